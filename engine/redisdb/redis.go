// Package redisdb adapts a Redis server to the engine contract as the
// reference key-value adapter. Statements are operation keywords ("get",
// "set", "del", "exists", "keys"); keys and values arrive in params.
package redisdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/engine"
)

// Adapter implements engine.Adapter over go-redis. Redis transactions are
// not exposed; the coordinator treats this engine as voting yes
// implicitly during two-phase commit.
type Adapter struct {
	opts   *redis.Options
	logger *zap.Logger
	client *redis.Client
}

var _ engine.Adapter = (*Adapter)(nil)

// New creates an adapter for the given address ("host:port").
func New(addr string, logger *zap.Logger) *Adapter {
	return NewFromOptions(&redis.Options{Addr: addr}, logger)
}

// NewFromOptions creates an adapter with full client options.
func NewFromOptions(opts *redis.Options, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		opts:   opts,
		logger: logger.With(zap.String("component", "redis_adapter"), zap.String("addr", opts.Addr)),
	}
}

// Connect opens the client and verifies the server with a ping.
func (a *Adapter) Connect(ctx context.Context) error {
	client := redis.NewClient(a.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping %s: %w", a.opts.Addr, err)
	}
	a.client = client
	a.logger.Debug("redis connected")
	return nil
}

// Disconnect closes the client.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

// Query serves read operations: "get", "exists" and "keys".
func (a *Adapter) Query(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error) {
	if a.client == nil {
		return nil, errors.New("not connected")
	}

	switch statement {
	case "get":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		val, err := a.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return []map[string]any{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}
		return []map[string]any{{"key": key, "value": val}}, nil

	case "exists":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		n, err := a.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists: %w", err)
		}
		return []map[string]any{{"key": key, "exists": n > 0}}, nil

	case "keys":
		pattern, err := stringParam(params, "pattern")
		if err != nil {
			return nil, err
		}
		keys, err := a.client.Keys(ctx, pattern).Result()
		if err != nil {
			return nil, fmt.Errorf("redis keys: %w", err)
		}
		rows := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, map[string]any{"key": k})
		}
		return rows, nil

	default:
		return nil, fmt.Errorf("unsupported read operation %q", statement)
	}
}

// Execute serves write operations: "set", "del" and "expire". Affected
// rows are keys touched.
func (a *Adapter) Execute(ctx context.Context, statement string, params map[string]any) (int64, error) {
	if a.client == nil {
		return 0, errors.New("not connected")
	}

	switch statement {
	case "set":
		key, err := stringParam(params, "key")
		if err != nil {
			return 0, err
		}
		value, ok := params["value"]
		if !ok {
			return 0, errors.New("set needs a value param")
		}
		var ttl time.Duration
		if raw, ok := params["ttl"]; ok {
			d, ok := raw.(time.Duration)
			if !ok {
				return 0, fmt.Errorf("ttl must be a duration, got %T", raw)
			}
			ttl = d
		}
		if err := a.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return 0, fmt.Errorf("redis set: %w", err)
		}
		return 1, nil

	case "del":
		key, err := stringParam(params, "key")
		if err != nil {
			return 0, err
		}
		n, err := a.client.Del(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("redis del: %w", err)
		}
		return n, nil

	case "expire":
		key, err := stringParam(params, "key")
		if err != nil {
			return 0, err
		}
		raw, ok := params["ttl"]
		if !ok {
			return 0, errors.New("expire needs a ttl param")
		}
		d, ok := raw.(time.Duration)
		if !ok {
			return 0, fmt.Errorf("ttl must be a duration, got %T", raw)
		}
		set, err := a.client.Expire(ctx, key, d).Result()
		if err != nil {
			return 0, fmt.Errorf("redis expire: %w", err)
		}
		if set {
			return 1, nil
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("unsupported write operation %q", statement)
	}
}

// Health pings the server and reports round-trip latency.
func (a *Adapter) Health(ctx context.Context) (engine.HealthStatus, error) {
	if a.client == nil {
		return engine.HealthStatus{Healthy: false, Message: "not connected"}, nil
	}
	start := time.Now()
	if err := a.client.Ping(ctx).Err(); err != nil {
		return engine.HealthStatus{Healthy: false, Message: err.Error()}, err
	}
	return engine.HealthStatus{Healthy: true, Latency: time.Since(start)}, nil
}

// ConnectionStats reports the client pool counters.
func (a *Adapter) ConnectionStats(ctx context.Context) (engine.ConnectionStats, error) {
	if a.client == nil {
		return engine.ConnectionStats{}, errors.New("not connected")
	}
	s := a.client.PoolStats()
	return engine.ConnectionStats{
		Total:  int(s.TotalConns),
		Active: int(s.TotalConns - s.IdleConns),
		Idle:   int(s.IdleConns),
	}, nil
}

func stringParam(params map[string]any, name string) (string, error) {
	raw, ok := params[name]
	if !ok {
		return "", fmt.Errorf("missing %s param", name)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", name, raw)
	}
	return s, nil
}
