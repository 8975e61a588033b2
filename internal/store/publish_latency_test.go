package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxflow/internal/metrics"
	"fxflow/logger"
)

func TestPublishDoesNotWaitOnCloudWatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	for _, name := range []string{"config", "credentials"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_ENDPOINT_URL", srv.URL)
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	metrics.InitCloudWatch(context.Background(), "us-east-1", "FXFlowTest", "FXFlowTest")
	require.True(t, logger.CloudWatchEnabled())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = logger.ShutdownCloudWatch(ctx)
	}()

	s := newStore(100)
	stuck := s.Subscribe("USD/EUR", 1)
	defer stuck.Cancel()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Publish(snap("USD/EUR", t0.Add(time.Duration(i)*time.Second), float64(i))))
	}
	elapsed := time.Since(start)

	assert.Equal(t, int64(4), stuck.Dropped())
	assert.Less(t, elapsed, 150*time.Millisecond, "overflow drops must not make AWS calls on the write path")
}
