package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader      = "Idempotency-Key"
	replayedHeader         = "Idempotent-Replayed"
	idempotencyTTL         = 24 * time.Hour
	idempotencyInFlightTTL = 30 * time.Second
)

// StoredResponse is a completed POST kept for replay.
type StoredResponse struct {
	StatusCode  int             `json:"status_code"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body"`
}

// ResponseStore keeps idempotent responses and in-flight markers.
type ResponseStore interface {
	// Lookup returns the stored response for key, or nil when there is none.
	Lookup(ctx context.Context, key string) (*StoredResponse, error)
	// Reserve marks key as in flight. It reports false when another request holds it.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops the in-flight marker.
	Release(ctx context.Context, key string) error
	// Remember stores resp under key for ttl.
	Remember(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error
}

// RedisResponseStore implements ResponseStore on Redis.
type RedisResponseStore struct {
	client *redis.Client
}

// NewRedisResponseStore creates a new RedisResponseStore.
func NewRedisResponseStore(client *redis.Client) *RedisResponseStore {
	return &RedisResponseStore{client: client}
}

func (s *RedisResponseStore) Lookup(ctx context.Context, key string) (*StoredResponse, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *RedisResponseStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key+":inflight", "1", ttl).Result()
}

func (s *RedisResponseStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, key+":inflight").Err()
}

func (s *RedisResponseStore) Remember(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// capturingWriter copies the response body while it is written.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(str string) (int, error) {
	w.body.WriteString(str)
	return w.ResponseWriter.WriteString(str)
}

// IdempotencyMiddleware replays the stored response for a repeated Idempotency-Key on
// POST requests, so a retried create or accept never runs twice. Keys are scoped to the
// request path. A second request arriving while the first still runs gets 409.
// A nil store disables the middleware, and a store error lets the request through.
func IdempotencyMiddleware(responses ResponseStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if responses == nil || key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		scoped := "idempotency:" + c.Request.URL.Path + ":" + key

		stored, err := responses.Lookup(ctx, scoped)
		if err != nil {
			c.Next()
			return
		}
		if stored != nil {
			c.Header(replayedHeader, "true")
			c.Data(stored.StatusCode, stored.ContentType, stored.Body)
			c.Abort()
			return
		}

		reserved, err := responses.Reserve(ctx, scoped, idempotencyInFlightTTL)
		if err == nil && !reserved {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "request with this idempotency key is in progress"})
			return
		}
		if err == nil {
			defer responses.Release(context.WithoutCancel(ctx), scoped)
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		// 5xx responses are retryable and therefore not stored.
		if status := w.Status(); status < http.StatusInternalServerError {
			_ = responses.Remember(context.WithoutCancel(ctx), scoped, StoredResponse{
				StatusCode:  status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        w.body.Bytes(),
			}, idempotencyTTL)
		}
	}
}
