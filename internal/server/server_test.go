package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3-gateway/internal/db"
	"s3-gateway/internal/ledger"
	"s3-gateway/internal/storage"
	"s3-gateway/internal/storage/storagetest"
)

const testBase = "http://x"

type testEnv struct {
	srv    *Server
	store  *storagetest.Store
	ledger ledger.Ledger
}

type option func(*Config)

func withLedger(l ledger.Ledger) option { return func(c *Config) { c.Ledger = l } }

func newSQLiteLedger(t *testing.T) *ledger.SQLLedger {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(db.DriverSQLite, conn, ":memory:"))

	l, err := ledger.New(conn, ledger.DialectSQLite)
	require.NoError(t, err)
	return l
}

func newEnv(t *testing.T, opts ...option) *testEnv {
	t.Helper()
	store := storagetest.New("uploads")
	cfg := Config{
		Addr:   ":0",
		Store:  store,
		URLs:   storage.URLResolver{Base: testBase, Bucket: "uploads"},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(&cfg)
	}
	srv := New(cfg)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{srv: srv, store: store, ledger: cfg.Ledger}
}

func newLedgerEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnv(t, withLedger(newSQLiteLedger(t)))
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) postJSON(path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

type filePart struct {
	name        string
	contentType string
	data        []byte
}

// multipartBody builds a form. fileFirst puts the file part before the
// other fields.
func multipartBody(t *testing.T, fields map[string]string, file *filePart, fileFirst bool) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	writeFile := func() {
		if file == nil {
			return
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+file.name+`"`)
		if file.contentType != "" {
			h.Set("Content-Type", file.contentType)
		}
		pw, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(file.data)
		require.NoError(t, err)
	}

	if fileFirst {
		writeFile()
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if !fileFirst {
		writeFile()
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, userID string, file *filePart) *httptest.ResponseRecorder {
	t.Helper()
	fields := map[string]string{}
	if userID != "" {
		fields["user_id"] = userID
	}
	body, ct := multipartBody(t, fields, file, false)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	return e.do(req)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

// failingLedger wraps a real ledger and fails the selected operations.
type failingLedger struct {
	ledger.Ledger
	insertErr error
	deleteErr error
	listErr   error
	pingErr   error
}

func (f *failingLedger) Insert(ctx context.Context, rec *ledger.Record) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	return f.Ledger.Insert(ctx, rec)
}

func (f *failingLedger) DeleteByID(ctx context.Context, id int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Ledger.DeleteByID(ctx, id)
}

func (f *failingLedger) ListByUser(ctx context.Context, userID string) ([]ledger.Record, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Ledger.ListByUser(ctx, userID)
}

func (f *failingLedger) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.Ledger.Ping(ctx)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	rr := e.get("/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, map[string]any{"status": "ok"}, decode(t, rr))
}

func TestMiddleware_RequestIDAndSecurityHeaders(t *testing.T) {
	e := newEnv(t)

	rr := e.get("/health")
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "client-supplied-id")
	rr = e.do(req)
	assert.Equal(t, "client-supplied-id", rr.Header().Get("X-Request-Id"))
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/upload", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := e.do(req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddleware_RecoversPanics(t *testing.T) {
	e := newEnv(t)
	e.srv.store = nil // every store call now panics

	rr := e.postJSON("/download", map[string]string{"key": "u1/k"})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMiddleware_CompressesListings(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 20; i++ {
		e.store.Seed(fmt.Sprintf("u1/%02d", i), []byte("x"), time.Now())
	}

	req := httptest.NewRequest(http.MethodGet, "/files?user_id=u1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := e.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, 20, body.Count)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	e := newEnv(t)

	rr := e.get("/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not found", decode(t, rr)["error"])

	rr = e.get("/upload")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestReady(t *testing.T) {
	t.Run("store only ok", func(t *testing.T) {
		e := newEnv(t)
		rr := e.get("/ready")
		require.Equal(t, http.StatusOK, rr.Code)

		body := decode(t, rr)
		assert.Equal(t, "ok", body["status"])
		components := body["components"].(map[string]any)
		assert.Contains(t, components, "object_store")
		assert.NotContains(t, components, "ledger")
	})

	t.Run("store unreachable", func(t *testing.T) {
		e := newEnv(t)
		e.store.HeadErr = storagetest.Unavailable("head bucket", errors.New("connection refused"))
		rr := e.get("/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "unavailable", decode(t, rr)["status"])
	})

	t.Run("bucket missing", func(t *testing.T) {
		e := newEnv(t)
		e.store.DropBucket()
		rr := e.get("/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("ledger down", func(t *testing.T) {
		e := newEnv(t, withLedger(&failingLedger{Ledger: newSQLiteLedger(t), pingErr: errors.New("database is locked")}))
		rr := e.get("/ready")
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)

		components := decode(t, rr)["components"].(map[string]any)
		ledgerHealth := components["ledger"].(map[string]any)
		assert.Equal(t, "down", ledgerHealth["status"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)

	rr := e.upload(t, "u1", &filePart{name: "a.txt", contentType: "text/plain", data: []byte("hello")})
	require.Equal(t, http.StatusCreated, rr.Code)
	e.get("/files")

	rr = e.get("/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain"))

	out := rr.Body.String()
	assert.Contains(t, out, `s3gw_info{variant="store"} 1`)
	assert.Contains(t, out, "s3gw_uploads_total 1\n")
	assert.Contains(t, out, "s3gw_upload_bytes_total 5\n")
	assert.Contains(t, out, `s3gw_request_errors_total{class="4xx"} 1`)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.RateLimitPerMinute = 2 })

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		assert.Equal(t, http.StatusOK, e.do(req).Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rr := e.do(req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate limit exceeded, try again later", decode(t, rr)["error"])

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	assert.Equal(t, http.StatusOK, e.do(req).Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"validation", badRequest("key required"), http.StatusBadRequest, "key required"},
		{"not found", ledger.ErrNotFound, http.StatusNotFound, "File not found"},
		{"duplicate", ledger.ErrDuplicateKey, http.StatusConflict, "file already registered for this key"},
		{"too large", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, "file too large"},
		{
			"store error passes message through",
			&storage.Error{Op: "put object", Key: "u1/k", Unavailable: true, Err: errors.New("dial tcp: refused")},
			http.StatusInternalServerError,
			"put object u1/k: dial tcp: refused",
		},
		{"other", sql.ErrConnDone, http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestShutdownStopsLimiter(t *testing.T) {
	srv := New(Config{
		Addr:               ":0",
		Store:              storagetest.New("uploads"),
		RateLimitPerMinute: 1,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	// A second shutdown must not panic on the closed limiter channel.
	_ = srv.Shutdown(ctx)
}
