package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"staybook/internal/bookings/handler"
	"staybook/internal/bookings/keygen"
	"staybook/internal/bookings/repository/memory"
	"staybook/internal/bookings/service"
	"staybook/internal/bookings/validator"
	"staybook/pkg/app"
	"staybook/pkg/client"
	"staybook/pkg/config"
	"staybook/pkg/dlock"
	apperrors "staybook/pkg/errors"
	"staybook/pkg/logger"
	"staybook/pkg/metrics"
	"staybook/pkg/middleware"
	"staybook/pkg/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiClient struct {
	baseURL string
	http    *http.Client
}

type apiResponse struct {
	*http.Response
	Body []byte
}

func (r *apiResponse) data(t *testing.T, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(r.Body, &envelope), string(r.Body))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func (r *apiResponse) errorCode(t *testing.T) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(r.Body, &body), string(r.Body))
	return body.Code
}

func (c *apiClient) do(t *testing.T, method, path string, body any, headers map[string]string) *apiResponse {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, c.baseURL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return &apiResponse{Response: resp, Body: raw}
}

type env struct {
	api   *apiClient
	redis *miniredis.Miniredis
	cfg   *config.Config
	store *memory.Store
}

func newEnv(t *testing.T, configure func(*config.Config)) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = rc.Close() })

	cfg := &config.Config{
		Port:               "0",
		RequestTimeout:     5 * time.Second,
		ReplayStore:        config.ReplayStoreRedis,
		ReplayTTL:          time.Minute,
		MaxRequestSize:     1 << 20,
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		IdleTimeout:        5 * time.Second,
		ShutdownTimeout:    time.Second,
		StoreDriver:        config.StoreDriverMemory,
		TxMaxAttempts:      3,
		TxRetryBackoff:     time.Millisecond,
		LockTTL:            2 * time.Second,
		LockDriftFactor:    0.01,
		LockRetryCount:     200,
		LockRetryDelay:     5 * time.Millisecond,
		LockRetryJitter:    5 * time.Millisecond,
		LockKeyPrefix:      "e2e:lock:",
		LockReleaseTimeout: time.Second,
		MetricsEnabled:     true,
		Log:                logger.Discard(),
		Client:             &client.Client{Redis: []*redis.Client{rc}},
	}
	if configure != nil {
		configure(cfg)
	}

	locker, err := dlock.New(cfg.Client.RedisNodes(), dlock.Options{
		KeyPrefix:   cfg.LockKeyPrefix,
		DriftFactor: cfg.LockDriftFactor,
		RetryCount:  cfg.LockRetryCount,
		RetryDelay:  cfg.LockRetryDelay,
		RetryJitter: cfg.LockRetryJitter,
	})
	require.NoError(t, err)

	m := metrics.New()
	store := memory.NewStore()
	svc := service.NewBookingService(store, locker, keygen.NewUUIDGenerator(),
		validator.NewBookingValidator(cfg.Log), nil, m, cfg)

	a := app.NewApplication(cfg, m)
	a.SetApp(handler.NewBookingHandler(svc, cfg.Log), handler.NewHealthHandler(store, locker, cfg.Log))
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	return &env{
		api:   &apiClient{baseURL: srv.URL, http: &http.Client{Timeout: 10 * time.Second}},
		redis: mr,
		cfg:   cfg,
		store: store,
	}
}

func bookingPayload(hotelID int64) map[string]any {
	return map[string]any{
		"user_id":        7,
		"hotel_id":       hotelID,
		"total_guests":   2,
		"booking_amount": 25000,
	}
}

func TestE2E_CreateConfirmLifecycle(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.api.do(t, http.MethodPost, "/api/v1/bookings", bookingPayload(1), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(resp.Body))
	var receipt model.BookingReceipt
	resp.data(t, &receipt)
	require.NotEmpty(t, receipt.BookingID)
	require.True(t, keygen.Valid(receipt.IdempotencyKey))

	resp = e.api.do(t, http.MethodPost, "/api/v1/bookings/confirm/"+receipt.IdempotencyKey, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(resp.Body))
	var confirmed model.Booking
	resp.data(t, &confirmed)
	assert.Equal(t, receipt.BookingID, confirmed.ID)
	assert.Equal(t, model.BookingStatusConfirmed, confirmed.Status)

	resp = e.api.do(t, http.MethodPost, "/api/v1/bookings/confirm/"+receipt.IdempotencyKey, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperrors.CodeAlreadyFinalized, resp.errorCode(t))

	resp = e.api.do(t, http.MethodGet, "/api/v1/bookings/"+receipt.BookingID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched model.Booking
	resp.data(t, &fetched)
	assert.Equal(t, model.BookingStatusConfirmed, fetched.Status)
}

func TestE2E_ConfirmUnknownKey(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.api.do(t, http.MethodPost, "/api/v1/bookings/confirm/"+uuid.NewString(), nil, nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.CodeNotFound, resp.errorCode(t))
}

func TestE2E_ConcurrentConfirmSucceedsOnce(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.api.do(t, http.MethodPost, "/api/v1/bookings", bookingPayload(2), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var receipt model.BookingReceipt
	resp.data(t, &receipt)

	const callers = 6
	statuses := make([]int, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = e.api.do(t, http.MethodPost, "/api/v1/bookings/confirm/"+receipt.IdempotencyKey, nil, nil).StatusCode
		}()
	}
	wg.Wait()

	counts := map[int]int{}
	for _, s := range statuses {
		counts[s]++
	}
	assert.Equal(t, 1, counts[http.StatusOK])
	assert.Equal(t, callers-1, counts[http.StatusConflict])
}

func TestE2E_ConcurrentCreatesSameHotel(t *testing.T) {
	e := newEnv(t, nil)

	const clients = 5
	ids := make([]string, clients)
	statuses := make([]int, clients)
	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := e.api.do(t, http.MethodPost, "/api/v1/bookings", bookingPayload(3), nil)
			statuses[i] = resp.StatusCode
			if resp.StatusCode == http.StatusCreated {
				var receipt model.BookingReceipt
				resp.data(t, &receipt)
				ids[i] = receipt.BookingID
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range clients {
		assert.Equal(t, http.StatusCreated, statuses[i])
		assert.False(t, seen[ids[i]], "booking id %s issued twice", ids[i])
		seen[ids[i]] = true
	}
}

func TestE2E_ReplayedCreateReturnsSameReceipt(t *testing.T) {
	e := newEnv(t, nil)
	headers := map[string]string{middleware.HeaderIdempotencyKey: "checkout-42"}

	first := e.api.do(t, http.MethodPost, "/api/v1/bookings", bookingPayload(4), headers)
	second := e.api.do(t, http.MethodPost, "/api/v1/bookings", bookingPayload(4), headers)

	require.Equal(t, http.StatusCreated, first.StatusCode)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, string(first.Body), string(second.Body))
	assert.Equal(t, "true", second.Header.Get(middleware.HeaderReplayed))
	assert.Equal(t, 1, e.store.BookingCount())
}

func TestE2E_HeldLockIsResourceBusy(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.LockRetryCount = 2
		cfg.LockRetryDelay = time.Millisecond
		cfg.LockRetryJitter = 0
	})
	require.NoError(t, e.redis.Set(e.cfg.LockKeyPrefix+service.LockResource(5), "someone-else"))

	resp := e.api.do(t, http.MethodPost, "/api/v1/bookings", bookingPayload(5), nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, apperrors.CodeResourceBusy, resp.errorCode(t))
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Zero(t, e.store.BookingCount())
}

func TestE2E_Readiness(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.api.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	e.redis.Close()

	resp = e.api.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestE2E_MetricsExposed(t *testing.T) {
	e := newEnv(t, nil)
	e.api.do(t, http.MethodPost, "/api/v1/bookings", bookingPayload(6), nil)

	resp := e.api.do(t, http.MethodGet, "/metrics", nil, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), fmt.Sprintf("staybook_bookings_created_total %d", 1))
}
