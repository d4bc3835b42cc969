package backend

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"krds-cache/internal/cacheerrors"
	"krds-cache/internal/logging"
	"krds-cache/internal/utils"
)

// Payload framing for stored values. Compressed payloads carry a one-byte
// marker so Get can decode transparently.
const (
	frameRaw  byte = 0x01
	frameGzip byte = 0x02
)

// RedisConfig configures the remote key-value backend.
type RedisConfig struct {
	Address           string
	Password          string
	DB                int
	PoolSize          int
	KeyPrefix         string
	CompressThreshold int64
	RetryAttempts     int
}

// Redis is the network-backed adapter. All calls go through a circuit
// breaker so a dead server fails fast as "unavailable" instead of timing
// out on every operation, and transient failures get bounded retries
// before being reported.
type Redis struct {
	client  *redis.Client
	cfg     RedisConfig
	breaker *gobreaker.CircuitBreaker
	logger  logging.Logger
}

// NewRedis creates a Redis backend. The connection is established lazily;
// an unreachable server at construction time only degrades the fallback
// chain, it does not prevent startup.
func NewRedis(cfg RedisConfig, logger logging.Logger) *Redis {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
		// The adapter does its own bounded retries.
		MaxRetries: -1,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-backend",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("redis circuit breaker state change",
				logging.Field{Key: "from", Value: from.String()},
				logging.Field{Key: "to", Value: to.String()},
			)
		},
	})

	return &Redis{
		client:  client,
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
	}
}

// Name implements Backend.
func (r *Redis) Name() string { return NameRedis }

// Ping checks connectivity. Used by health reporting only.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return cacheerrors.BackendUnavailable(NameRedis, err)
	}
	return nil
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	found := false

	err := r.execute(ctx, func() error {
		data, err := r.client.Get(ctx, r.cfg.KeyPrefix+key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		payload = data
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	value, err := decodeFrame(payload)
	if err != nil {
		// A corrupt payload would fail every future read too; drop it so
		// the key self-heals to a miss.
		r.logger.Warn("dropping undecodable redis payload",
			logging.Field{Key: "key", Value: key},
			logging.Err(err),
		)
		_ = r.client.Del(ctx, r.cfg.KeyPrefix+key).Err()
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements Backend. Payloads above the configured threshold are
// gzip-compressed before transmission.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	payload, err := encodeFrame(value, r.cfg.CompressThreshold)
	if err != nil {
		return cacheerrors.SerializationError("failed to encode redis payload", err)
	}

	return r.execute(ctx, func() error {
		return r.client.Set(ctx, r.cfg.KeyPrefix+key, payload, ttl).Err()
	})
}

// Delete implements Backend.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.execute(ctx, func() error {
		return r.client.Del(ctx, r.cfg.KeyPrefix+key).Err()
	})
}

// Clear implements Backend. Only keys under the configured prefix are
// removed; the database may be shared.
func (r *Redis) Clear(ctx context.Context) error {
	return r.execute(ctx, func() error {
		iter := r.client.Scan(ctx, 0, r.cfg.KeyPrefix+"*", 0).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			return r.client.Del(ctx, keys...).Err()
		}
		return nil
	})
}

// Stats implements Backend. Byte usage is approximated by summing stored
// value lengths over the key namespace.
func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	err := r.execute(ctx, func() error {
		iter := r.client.Scan(ctx, 0, r.cfg.KeyPrefix+"*", 0).Iterator()
		entries := 0
		var total int64
		for iter.Next(ctx) {
			entries++
			if n, err := r.client.StrLen(ctx, iter.Val()).Result(); err == nil {
				total += n
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		stats.Entries = entries
		stats.Bytes = total
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Close implements Backend.
func (r *Redis) Close() error {
	return r.client.Close()
}

// execute runs fn through the circuit breaker with bounded retries and maps
// every failure to a backend_unavailable error.
func (r *Redis) execute(ctx context.Context, fn func() error) error {
	retryCfg := utils.DefaultRetryConfig()
	retryCfg.MaxAttempts = r.cfg.RetryAttempts
	retryCfg.RetryableErrors = func(err error) bool {
		// The breaker rejecting fast means the server is known-dead;
		// retrying inside the adapter would only add latency.
		return !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests)
	}

	err := utils.RetryWithBackoff(ctx, retryCfg, func() error {
		_, execErr := r.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		return execErr
	})
	if err != nil {
		return cacheerrors.BackendUnavailable(NameRedis, err)
	}
	return nil
}

func encodeFrame(value []byte, compressThreshold int64) ([]byte, error) {
	if compressThreshold <= 0 || int64(len(value)) < compressThreshold {
		return append([]byte{frameRaw}, value...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(frameGzip)
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(value); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	switch payload[0] {
	case frameRaw:
		return payload[1:], nil
	case frameGzip:
		gz, err := gzip.NewReader(bytes.NewReader(payload[1:]))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	default:
		return nil, fmt.Errorf("unknown payload frame marker 0x%02x", payload[0])
	}
}
