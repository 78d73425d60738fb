package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pipesched/pkg/logx"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Config{}))
	assert.NoError(t, Validate(Config{Enabled: true}))
	assert.NoError(t, Validate(Config{Enabled: true, Addr: "localhost:7070"}))
	assert.ErrorIs(t, Validate(Config{Enabled: true, Addr: ":6060"}), ErrInsecureBind)
	assert.ErrorIs(t, Validate(Config{Enabled: true, Addr: "10.0.0.5:6060"}), ErrInsecureBind)
	assert.NoError(t, Validate(Config{Enabled: true, Addr: "10.0.0.5:6060", Token: "s3cret"}))
	assert.NoError(t, Validate(Config{Enabled: true, Addr: "0.0.0.0:6060", AllowInsecure: true}))
	assert.Error(t, Validate(Config{Enabled: true, Addr: "no-port"}))
}

func TestHandlerToken(t *testing.T) {
	srv := httptest.NewServer(Handler("s3cret"))
	defer srv.Close()

	get := func(path string, header string) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("/debug/pprof/", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/debug/pprof/", "Bearer wrong"))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/", "Bearer s3cret"))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/?token=s3cret", ""))
	assert.Equal(t, http.StatusOK, get("/healthz?token=s3cret", ""))
}

func TestHandlerWithoutToken(t *testing.T) {
	srv := httptest.NewServer(Handler(""))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/debug/vars")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	assert.Empty(t, s.Addr())

	assert.Error(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: ":0"}), "insecure bind is refused")
	assert.Empty(t, s.Addr())

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"}))
	assert.NotEmpty(t, s.Addr())
	require.NoError(t, s.Stop(ctx))
}
