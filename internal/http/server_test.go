package http

import (
	"context"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/encoderd/internal/config"
	"github.com/jmylchreest/encoderd/internal/http/handlers"
)

func testServer() *Server {
	return NewServer(config.ServerConfig{
		Host:            "127.0.0.1",
		ShutdownTimeout: 2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), "1.2.3")
}

func TestServer_RoutesAndMiddleware(t *testing.T) {
	s := testServer()
	handlers.NewHealthHandler("1.2.3").Register(s.API())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/livez", nil))
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/openapi.json", nil))
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "encoderd API")
	assert.Contains(t, rec.Body.String(), "1.2.3")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s := testServer()
	handlers.NewHealthHandler("1.2.3").Register(s.API())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := nethttp.Get("http://" + ln.Addr().String() + "/livez")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == nethttp.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	assert.NoError(t, testServer().Shutdown(context.Background()))
}
