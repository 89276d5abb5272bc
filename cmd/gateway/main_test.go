package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3-gateway/internal/config"
	"s3-gateway/internal/ledger"
	"s3-gateway/internal/storage"
)

func baseConfig() *config.Config {
	return &config.Config{
		StorageDriver: config.StorageMinio,
		Endpoint:      "http://localhost:9000",
		AccessKey:     "minioadmin",
		SecretKey:     "minioadmin",
		Region:        "us-east-1",
		Bucket:        "uploads",
	}
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		want    any
		wantErr string
	}{
		{name: "minio", driver: config.StorageMinio, want: &storage.MinioStore{}},
		{name: "s3", driver: config.StorageS3, want: &storage.S3Store{}},
		{name: "unknown", driver: "gcs", wantErr: `unsupported storage driver "gcs"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.StorageDriver = tt.driver

			store, err := openStore(context.Background(), cfg)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, store)
			assert.Equal(t, "uploads", store.Bucket())
		})
	}
}

func TestOpenLedger_SQLite(t *testing.T) {
	cfg := baseConfig()
	cfg.LedgerDriver = config.LedgerSQLite
	cfg.LedgerDSN = ":memory:"

	conn, led, err := openLedger(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	require.NoError(t, led.Ping(ctx))

	id, err := led.Insert(ctx, &ledger.Record{
		UserID:       "u1",
		Bucket:       "uploads",
		Key:          "u1/k",
		OriginalName: "k",
		PublicURL:    "http://localhost:9000/uploads/u1/k",
	})
	require.NoError(t, err)
	assert.Positive(t, id)
}

func TestOpenLedger_BadDriver(t *testing.T) {
	cfg := baseConfig()
	cfg.LedgerDriver = "mysql"
	cfg.LedgerDSN = "root@/files"

	_, _, err := openLedger(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
