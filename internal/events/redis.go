package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/pkg/apierrors"
)

// RedisConfig configures the Redis pub/sub bus.
type RedisConfig struct {
	// Address is the Redis server address
	Address string `json:"address" yaml:"address"`

	// Password for authentication
	Password string `json:"-" yaml:"password,omitempty"`

	// DB is the database number
	DB int `json:"db,omitempty" yaml:"db,omitempty"`

	// PoolSize is the connection pool size
	PoolSize int `json:"poolSize,omitempty" yaml:"poolSize,omitempty"`

	// ChannelPrefix namespaces the pub/sub channels
	ChannelPrefix string `json:"channelPrefix" yaml:"channelPrefix"`

	// TLSEnabled turns on TLS to the server
	TLSEnabled bool `json:"tlsEnabled,omitempty" yaml:"tlsEnabled,omitempty"`

	// HandlerTimeout bounds a single handler invocation
	HandlerTimeout time.Duration `json:"handlerTimeout" yaml:"handlerTimeout"`
}

// RedisBus relays envelopes through Redis pub/sub so every node sees
// every policy update and alert.
type RedisBus struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	ctx      context.Context
	cancel   context.CancelFunc
	handlers map[Topic]map[uint64]Handler
	config   RedisConfig
	wg       sync.WaitGroup
	nextID   uint64
	mu       sync.RWMutex
	closed   bool
}

// NewRedisClient builds a go-redis client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return redis.NewClient(opts)
}

// NewRedisBus connects to Redis and starts the receive loop.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "podshield"
	}

	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	client := NewRedisClient(cfg)

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, apierrors.Transient("bus", fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err))
	}

	busCtx, cancel := context.WithCancel(context.Background())

	b := &RedisBus{
		client:   client,
		pubsub:   client.Subscribe(busCtx),
		ctx:      busCtx,
		cancel:   cancel,
		handlers: make(map[Topic]map[uint64]Handler),
		config:   cfg,
	}

	b.wg.Add(1)

	go b.receive()

	log.Info().Str("address", cfg.Address).Str("prefix", cfg.ChannelPrefix).Msg("Redis bus connected")

	return b, nil
}

// Client exposes the underlying client so other components (liveness)
// can share the connection pool.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

func (b *RedisBus) channel(topic Topic) string {
	return b.config.ChannelPrefix + ":" + string(topic)
}

func (b *RedisBus) topic(channel string) Topic {
	return Topic(strings.TrimPrefix(channel, b.config.ChannelPrefix+":"))
}

// Publish sends env to the topic's channel.
func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrBusClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel(env.Topic), data).Err(); err != nil {
		return apierrors.Transient("bus", err)
	}

	return nil
}

// Subscribe registers handler and subscribes to the topic's channel on first
// use.
func (b *RedisBus) Subscribe(topic Topic, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	if len(b.handlers[topic]) == 0 {
		if err := b.pubsub.Subscribe(b.ctx, b.channel(topic)); err != nil {
			return nil, apierrors.Transient("bus", err)
		}

		b.handlers[topic] = make(map[uint64]Handler)
	}

	b.nextID++
	id := b.nextID
	b.handlers[topic][id] = handler

	return &redisSubscription{bus: b, topic: topic, id: id}, nil
}

type redisSubscription struct {
	bus   *RedisBus
	topic Topic
	id    uint64
	once  sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus

		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.handlers[s.topic], s.id)

		if len(b.handlers[s.topic]) == 0 && !b.closed {
			if err := b.pubsub.Unsubscribe(b.ctx, b.channel(s.topic)); err != nil {
				log.Warn().Err(err).Str("topic", string(s.topic)).Msg("Failed to unsubscribe from redis channel")
			}
		}
	})
}

func (b *RedisBus) receive() {
	defer b.wg.Done()

	ch := b.pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			b.dispatch(msg)
		}
	}
}

func (b *RedisBus) dispatch(msg *redis.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed bus message")
		return
	}

	topic := b.topic(msg.Channel)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		ctx, cancel := context.WithTimeout(b.ctx, b.config.HandlerTimeout)

		if err := safeInvoke(ctx, h, &env); err != nil {
			log.Warn().
				Err(err).
				Str("topic", string(topic)).
				Str("envelope_id", env.ID).
				Msg("Bus handler failed")
		}

		cancel()
	}
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return apierrors.Transient("bus", err)
	}

	return nil
}

// Close unsubscribes and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	b.mu.Unlock()

	b.cancel()

	if err := b.pubsub.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close redis pubsub")
	}

	b.wg.Wait()

	return b.client.Close()
}
