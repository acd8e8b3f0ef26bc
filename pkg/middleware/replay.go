package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "staybook/pkg/errors"
	httputil "staybook/pkg/http"
	"staybook/pkg/logger"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxReplayKeyLength = 255
)

// CachedResponse is a successful response kept for replay.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ReplayStore keeps responses keyed by the client's Idempotency-Key header so
// a retried request gets the original answer instead of a second booking.
type ReplayStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp *CachedResponse) error
}

// InMemoryReplayStore is a process-local ReplayStore with periodic expiry.
type InMemoryReplayStore struct {
	entries *xsync.MapOf[string, *CachedResponse]
	ttl     time.Duration
	stop    chan struct{}
	stopped chan struct{}
}

func NewInMemoryReplayStore(ttl time.Duration) *InMemoryReplayStore {
	s := &InMemoryReplayStore{
		entries: xsync.NewMapOf[string, *CachedResponse](),
		ttl:     ttl,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *InMemoryReplayStore) Get(_ context.Context, key string) (*CachedResponse, bool, error) {
	resp, ok := s.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	if time.Since(resp.CreatedAt) > s.ttl {
		s.entries.Delete(key)
		return nil, false, nil
	}
	return resp, true, nil
}

func (s *InMemoryReplayStore) Set(_ context.Context, key string, resp *CachedResponse) error {
	s.entries.Store(key, resp)
	return nil
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (s *InMemoryReplayStore) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.stopped
}

func (s *InMemoryReplayStore) cleanup() {
	defer close(s.stopped)

	interval := s.ttl
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.entries.Range(func(key string, resp *CachedResponse) bool {
				if time.Since(resp.CreatedAt) > s.ttl {
					s.entries.Delete(key)
				}
				return true
			})
		case <-s.stop:
			return
		}
	}
}

// RedisReplayStore shares replay records between instances. Entries expire
// through Redis TTLs.
type RedisReplayStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisReplayStore(client redis.UniversalClient, ttl time.Duration, prefix string) *RedisReplayStore {
	return &RedisReplayStore{client: client, ttl: ttl, prefix: prefix}
}

func (s *RedisReplayStore) Get(ctx context.Context, key string) (*CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("replay store get: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("replay store decode: %w", err)
	}
	return &resp, true, nil
}

func (s *RedisReplayStore) Set(ctx context.Context, key string, resp *CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("replay store encode: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("replay store set: %w", err)
	}
	return nil
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
}

func (rc *responseCapture) WriteHeader(statusCode int) {
	if !rc.written {
		rc.statusCode = statusCode
		rc.written = true
		rc.ResponseWriter.WriteHeader(statusCode)
	}
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.WriteHeader(http.StatusOK)
	}
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// MatchRoute selects requests with the given method and exact path.
func MatchRoute(method, path string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return r.Method == method && r.URL.Path == path
	}
}

// Replay answers a repeated request carrying the same header value with the
// first successful response. Only requests accepted by match take part, and
// only 2xx responses are kept. A duplicate that arrives while the first is
// still running gets a CONFLICT.
func Replay(store ReplayStore, headerName string, match func(*http.Request) bool, log *logger.Logger) func(http.Handler) http.Handler {
	inFlight := xsync.NewMapOf[string, struct{}]()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			value := r.Header.Get(headerName)
			if value == "" || !match(r) {
				next.ServeHTTP(w, r)
				return
			}
			if len(value) > maxReplayKeyLength {
				httputil.WriteError(w, apperrors.InvalidInput(
					fmt.Sprintf("%s must be at most %d characters", headerName, maxReplayKeyLength)))
				return
			}

			ctx := r.Context()
			key := r.Method + " " + r.URL.Path + " " + value

			replayed := func() bool {
				cached, found, err := store.Get(ctx, key)
				if err != nil {
					log.Warn("Replay lookup failed", "request_id", RequestID(ctx), "error", err)
				}
				if found {
					writeCached(w, cached)
				}
				return found
			}
			if replayed() {
				return
			}

			if _, busy := inFlight.LoadOrStore(key, struct{}{}); busy {
				httputil.WriteError(w, apperrors.Conflict(
					fmt.Sprintf("A request with this %s is still in progress", headerName)))
				return
			}
			defer inFlight.Delete(key)

			// The first request may have finished between the lookup and the
			// claim. Its response is stored before its claim is dropped.
			if replayed() {
				return
			}

			capture := &responseCapture{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			resp := &CachedResponse{
				StatusCode: capture.statusCode,
				Headers:    w.Header().Clone(),
				Body:       capture.body.Bytes(),
				CreatedAt:  time.Now(),
			}
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := store.Set(sctx, key, resp); err != nil {
				log.Warn("Failed to store replay response", "request_id", RequestID(ctx), "error", err)
			}
		})
	}
}

func writeCached(w http.ResponseWriter, cached *CachedResponse) {
	for k, values := range cached.Headers {
		if k == HeaderRequestID {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}
