package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"lukechampine.com/blake3"
)

// IdempotencyHeader names the client-chosen key for a mutating request.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKey = 128

type idempotencyEntry struct {
	InProgress bool      `json:"inProgress"`
	Code       int       `json:"code,omitempty"`
	Body       []byte    `json:"body,omitempty"`
	BodyHash   string    `json:"bodyHash"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Idempotency replays the stored response when a POST is retried with the
// same Idempotency-Key. Requests without the header pass through.
type Idempotency struct {
	rdb     redis.Cmdable
	ttl     time.Duration
	lockTTL time.Duration
	prefix  string
	logger  *slog.Logger
}

func NewIdempotency(rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{rdb: rdb, ttl: ttl, lockTTL: time.Minute, prefix: "cowlend:idem:", logger: logger}
}

// OpenRedis connects and pings the server at addr.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if i == nil || i.rdb == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKey {
			writeMiddlewareError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeMiddlewareError(w, http.StatusBadRequest, "unable to read body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := blake3.Sum256(body)
		hash := hex.EncodeToString(sum[:])

		owner := "anonymous"
		if caller, ok := CallerFrom(r.Context()); ok {
			owner = caller.String()
		}
		redisKey := i.prefix + owner + ":" + r.Method + ":" + r.URL.Path + ":" + key

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		acquired, err := i.reserve(ctx, redisKey, hash)
		if err != nil {
			i.logger.Error("idempotency store unavailable", slog.Any("error", err))
			writeMiddlewareError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if !acquired {
			existing, err := i.load(ctx, redisKey)
			switch {
			case err != nil:
				writeMiddlewareError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			case existing.BodyHash != hash:
				writeMiddlewareError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different body")
			case existing.InProgress:
				writeMiddlewareError(w, http.StatusConflict, "request already in progress")
			default:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(existing.Code)
				_, _ = w.Write(existing.Body)
			}
			return
		}

		rec := &captureWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		// 5xx answers are not remembered so the client can retry.
		storeCtx, storeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer storeCancel()
		if rec.code >= http.StatusInternalServerError {
			if err := i.rdb.Del(storeCtx, redisKey).Err(); err != nil {
				i.logger.Warn("idempotency release failed", slog.Any("error", err))
			}
			return
		}
		final := idempotencyEntry{Code: rec.code, Body: rec.buf.Bytes(), BodyHash: hash, CreatedAt: time.Now().UTC()}
		payload, err := json.Marshal(final)
		if err == nil {
			err = i.rdb.Set(storeCtx, redisKey, payload, i.ttl).Err()
		}
		if err != nil {
			i.logger.Warn("idempotency store failed", slog.Any("error", err))
		}
	})
}

func (i *Idempotency) reserve(ctx context.Context, key, hash string) (bool, error) {
	payload, err := json.Marshal(idempotencyEntry{InProgress: true, BodyHash: hash, CreatedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	return i.rdb.SetNX(ctx, key, payload, i.lockTTL).Result()
}

func (i *Idempotency) load(ctx context.Context, key string) (idempotencyEntry, error) {
	var entry idempotencyEntry
	raw, err := i.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entry, errors.New("idempotency entry vanished")
		}
		return entry, err
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, err
	}
	return entry, nil
}

type captureWriter struct {
	http.ResponseWriter
	buf  bytes.Buffer
	code int
}

func (c *captureWriter) WriteHeader(code int) {
	c.code = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
