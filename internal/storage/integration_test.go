//go:build integration

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startMinio runs a throwaway MinIO container and returns its host:port.
// The image tag can be overridden with GATEWAY_MINIO_TEST_TAG.
func startMinio(t *testing.T) string {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("could not connect to docker: %v", err)
	}

	tag := os.Getenv("GATEWAY_MINIO_TEST_TAG")
	if tag == "" {
		tag = "RELEASE.2024-01-31T20-20-33Z"
	}
	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "minio/minio",
		Tag:        tag,
		Cmd:        []string{"server", "/data"},
		Env: []string{
			"MINIO_ROOT_USER=minio",
			"MINIO_ROOT_PASSWORD=minio123",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
	})
	if err != nil {
		t.Fatalf("could not start minio: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(res) })

	hostPort := "localhost:" + res.GetPort("9000/tcp")
	if err := pool.Retry(func() error {
		resp, err := http.Get("http://" + hostPort + "/minio/health/live")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("minio not ready: %d", resp.StatusCode)
		}
		return nil
	}); err != nil {
		t.Fatalf("minio not ready: %v", err)
	}
	return hostPort
}

func TestStores_AgainstMinio(t *testing.T) {
	hostPort := startMinio(t)
	ctx := context.Background()

	minioStore, err := NewMinioStore(MinioConfig{
		Endpoint:  "http://" + hostPort,
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
		Bucket:    "minio-backend",
	})
	require.NoError(t, err)

	s3Store, err := NewS3Store(ctx, S3Config{
		Endpoint:  "http://" + hostPort,
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
		Bucket:    "s3-backend",
	})
	require.NoError(t, err)

	for name, store := range map[string]Store{"minio": minioStore, "s3": s3Store} {
		t.Run(name, func(t *testing.T) {
			exercise(t, store)
		})
	}
}

func exercise(t *testing.T, s Store) {
	ctx := context.Background()

	exists, err := s.BucketExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	created, err := EnsureBucket(ctx, s)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = EnsureBucket(ctx, s)
	require.NoError(t, err)
	assert.False(t, created)

	key := BuildKey("u1", "hello.txt")
	n, err := s.PutObject(ctx, key, strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	for i := 0; i < 3; i++ {
		_, err := s.PutObject(ctx, BuildKey("u2", fmt.Sprintf("f%d", i)), bytes.NewReader([]byte("x")), 1, "text/plain")
		require.NoError(t, err)
	}

	objs, err := Collect(s.ListObjects(ctx, UserPrefix("u1")))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, key, objs[0].Key)
	assert.EqualValues(t, 5, objs[0].Size)
	assert.WithinDuration(t, time.Now(), objs[0].LastModified, time.Minute)

	getURL, err := s.PresignedGetURL(ctx, key, DefaultPresignGetTTL)
	require.NoError(t, err)
	resp, err := http.Get(getURL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	putKey := BuildKey("u1", "direct.bin")
	putURL, err := s.PresignedPutURL(ctx, putKey, "application/octet-stream", DefaultPresignPutTTL)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, putURL, strings.NewReader("direct"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.DeleteObject(ctx, key))
	require.NoError(t, s.DeleteObject(ctx, key), "deleting a missing key succeeds")

	objs, err = Collect(s.ListObjects(ctx, UserPrefix("u1")))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, putKey, objs[0].Key)
}
