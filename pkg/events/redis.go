// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/resilience"
	"github.com/jllopis/tessera/pkg/telemetry"
)

// ChannelPrefix prefixes the Redis channel of every run.
const ChannelPrefix = "tessera:runs:"

// Channel returns the Redis channel carrying a run's events.
func Channel(runID string) string { return ChannelPrefix + runID }

// RedisConfig configures the Redis relay.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// NewRedisClient builds a client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
}

// RedisPublisher publishes events as JSON on the run's channel. Calls go
// through a circuit breaker so an unreachable Redis costs runs nothing
// beyond the first few timeouts.
type RedisPublisher struct {
	client  redis.UniversalClient
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	metrics *telemetry.ErrorMetrics
}

// RedisPublisherOption configures a RedisPublisher.
type RedisPublisherOption func(*RedisPublisher)

// WithBreakerMetrics reports breaker transitions to em.
func WithBreakerMetrics(em *telemetry.ErrorMetrics) RedisPublisherOption {
	return func(p *RedisPublisher) { p.metrics = em }
}

// NewRedisPublisher wraps client.
func NewRedisPublisher(client redis.UniversalClient, logger *slog.Logger, opts ...RedisPublisherOption) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &RedisPublisher{client: client, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "events.redis",
		FailureThreshold: 3,
		Timeout:          10 * time.Second,
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			logger.Warn("events.redis.breaker",
				slog.String("breaker", name),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
			)
			p.metrics.RecordCircuitBreakerState(context.Background(), name, to.Level())
		},
	})
	return p
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.New(errors.CodeInternal, "encode event", err)
	}
	return p.breaker.Call(ctx, func(ctx context.Context) error {
		if err := p.client.Publish(ctx, Channel(ev.RunID), payload).Err(); err != nil {
			return errors.New(errors.CodeInternal, "publish event", err).
				WithContext("run_id", ev.RunID).
				WithRecoverable(true)
		}
		return nil
	})
}

// RedisSubscriber streams a run's events from Redis.
type RedisSubscriber struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisSubscriber wraps client.
func NewRedisSubscriber(client redis.UniversalClient, logger *slog.Logger) *RedisSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{client: client, logger: logger}
}

// Subscribe implements Subscriber. Events published before the
// subscription is confirmed are not replayed.
func (s *RedisSubscriber) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	if runID == "" {
		return nil, nil, errors.New(errors.CodeInvalidInput, "subscribe without run id", nil)
	}
	ps := s.client.Subscribe(ctx, Channel(runID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, errors.New(errors.CodeInternal, "subscribe to run events", err).
			WithContext("run_id", runID)
	}

	ctx, stop := context.WithCancel(ctx)
	out := make(chan Event, subscriberBuffer)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			_ = ps.Close()
		})
	}
	go func() {
		defer close(out)
		defer cancel()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("events.redis.decode",
						slog.String("run_id", runID),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
