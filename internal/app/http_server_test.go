package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/shop/internal/health"
	"github.com/vladislavdragonenkov/shop/internal/version"
)

func TestMetricsMux_Endpoints(t *testing.T) {
	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("ok", healthcheck.CheckFunc(func(context.Context) error { return nil }))
	mux := newMetricsMux(healthHandler)

	cases := []struct {
		path string
		body string
	}{
		{path: "/metrics"},
		{path: "/healthz"},
		{path: "/livez", body: "ok"},
		{path: "/readyz", body: "ready"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.NotEmpty(t, rec.Body.String())
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestMetricsMux_ReadyzFailsWhenStorageIsDown(t *testing.T) {
	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", healthcheck.CheckFunc(func(context.Context) error {
		return errors.New("connection refused")
	}))
	mux := newMetricsMux(healthHandler)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeAPI_AddressInUse(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	_, _, err = serveAPI(lis.Addr().String(), http.NotFoundHandler(), log.WithField("test", "http"))
	assert.Error(t, err)
}

func TestServeAPI_ShutdownStopsServing(t *testing.T) {
	logger := log.WithField("test", "http")
	srv, errCh, err := serveAPI("127.0.0.1:0", http.NotFoundHandler(), logger)
	require.NoError(t, err)

	shutdownHTTP(srv, logger)
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}

func TestShutdownHTTP_NilServer(t *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "http"))
}
