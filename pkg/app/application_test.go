package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"staybook/pkg/config"
	"staybook/pkg/contracts"
	"staybook/pkg/logger"
	"staybook/pkg/metrics"
	"staybook/pkg/middleware"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	creates atomic.Int32
}

func (h *stubHandler) RegisterRoutes(r *httprouter.Router) {
	r.POST("/things", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		n := h.creates.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"n":` + strconv.Itoa(int(n)) + `}`))
	})
	r.GET("/panic", func(http.ResponseWriter, *http.Request, httprouter.Params) {
		panic("boom")
	})
}

func (h *stubHandler) ReplayableRoutes() []contracts.Route {
	return []contracts.Route{{Method: http.MethodPost, Path: "/things"}}
}

type stubHealth struct{}

func (stubHealth) RegisterRoutes(r *httprouter.Router) {
	r.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
}

func testConfig(metricsEnabled bool) *config.Config {
	return &config.Config{
		Port:            "0",
		RequestTimeout:  time.Second,
		ReplayStore:     config.ReplayStoreMemory,
		ReplayTTL:       time.Minute,
		MaxRequestSize:  1024,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		IdleTimeout:     time.Second,
		ShutdownTimeout: time.Second,
		MetricsEnabled:  metricsEnabled,
		Log:             logger.Discard(),
	}
}

func newTestApp(t *testing.T, metricsEnabled bool) (*Application, *stubHandler) {
	t.Helper()
	h := &stubHandler{}
	a := NewApplication(testConfig(metricsEnabled), metrics.New())
	a.SetApp(h, stubHealth{})
	t.Cleanup(a.Close)
	return a, h
}

func post(t *testing.T, h http.Handler, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/things", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApplication_ReplaysCreateRoute(t *testing.T) {
	a, h := newTestApp(t, false)

	first := post(t, a.Handler(), "retry-1")
	second := post(t, a.Handler(), "retry-1")

	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(middleware.HeaderReplayed))
	assert.Equal(t, int32(1), h.creates.Load())

	post(t, a.Handler(), "")
	assert.Equal(t, int32(2), h.creates.Load())
}

func TestApplication_Health(t *testing.T) {
	a, _ := newTestApp(t, false)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApplication_Metrics(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		wantStatus int
	}{
		{"enabled", true, http.StatusOK},
		{"disabled", false, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestApp(t, tt.enabled)

			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestApplication_RecoversPanics(t *testing.T) {
	a, _ := newTestApp(t, false)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestApplication_RejectsWrongContentType(t *testing.T) {
	a, h := newTestApp(t, false)

	req := httptest.NewRequest(http.MethodPost, "/things", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Zero(t, h.creates.Load())
}

func TestApplication_CloseRunsHooksInOrder(t *testing.T) {
	a, _ := newTestApp(t, false)

	var order []string
	a.OnShutdown("publisher", func() error {
		order = append(order, "publisher")
		return errors.New("already closed")
	})
	a.OnShutdown("clients", func() error {
		order = append(order, "clients")
		return nil
	})

	a.Close()
	a.Close()

	assert.Equal(t, []string{"publisher", "clients"}, order)
}
