package debug

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"testing"
	"time"

	"jobmgr/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func get(t *testing.T, url, token string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func startTestServer(t *testing.T, cfg Config, src Sources) (*Service, string) {
	t.Helper()
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	s := New(cfg, src, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + s.Addr()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, waitForHTTP(ctx, base+"/healthz?token="+cfg.Token))
	return s, base
}

func TestServesSnapshots(t *testing.T) {
	src := Sources{
		Jobs: func() any { return map[string]int{"running": 2} },
		Runs: func(_ context.Context, job string, limit int) (any, error) {
			if job == "broken" {
				return nil, errors.New("store offline")
			}
			return []string{job, time.Duration(limit).String()}, nil
		},
	}
	s, base := startTestServer(t, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 3}, src)

	code, body := get(t, base+"/debug/jobs", "")
	require.Equal(t, http.StatusOK, code)
	var jobs map[string]int
	require.NoError(t, json.Unmarshal(body, &jobs))
	assert.Equal(t, 2, jobs["running"])

	code, body = get(t, base+"/debug/runs?job=nightly&limit=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "nightly")

	code, _ = get(t, base+"/debug/runs?job=broken", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = get(t, base+"/debug/triggers", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, base+"/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, runtime.SetMutexProfileFraction(-1))

	s.Reconfigure(context.Background(), Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestTokenRequired(t *testing.T) {
	_, base := startTestServer(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, Sources{})

	code, _ := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz?token=nope", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz", "s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.1.2.3:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
