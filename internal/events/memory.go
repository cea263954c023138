package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryBusConfig configures the in-process bus.
type MemoryBusConfig struct {
	// QueueSize is the size of the delivery queue
	QueueSize int `json:"queueSize" yaml:"queueSize"`

	// MaxRetries is the maximum number of redeliveries of a failed handler
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`

	// RetryDelay is the initial delay between redeliveries
	RetryDelay time.Duration `json:"retryDelay" yaml:"retryDelay"`

	// Workers is the number of delivery goroutines
	Workers int `json:"workers" yaml:"workers"`

	// HandlerTimeout bounds a single handler invocation
	HandlerTimeout time.Duration `json:"handlerTimeout" yaml:"handlerTimeout"`
}

// DefaultMemoryBusConfig returns a default configuration
func DefaultMemoryBusConfig() MemoryBusConfig {
	return MemoryBusConfig{
		QueueSize:      10000,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		Workers:        4,
		HandlerTimeout: 30 * time.Second,
	}
}

type subscriber struct {
	id      uint64
	topic   Topic
	handler Handler
}

type delivery struct {
	env       *Envelope
	sub       *subscriber
	attempts  int
	nextRetry time.Time
}

// MemoryBus delivers envelopes to in-process subscribers from a bounded
// queue served by worker goroutines. Failed handlers are retried with
// exponential backoff.
type MemoryBus struct {
	ctx        context.Context
	deliveries chan *delivery
	subs       map[Topic]map[uint64]*subscriber
	cancel     context.CancelFunc
	retryQueue []*delivery
	config     MemoryBusConfig
	wg         sync.WaitGroup
	nextID     uint64
	mu         sync.RWMutex
	closed     bool
}

// NewMemoryBus creates and starts an in-process bus.
func NewMemoryBus(config MemoryBusConfig) *MemoryBus {
	def := DefaultMemoryBusConfig()
	if config.QueueSize == 0 {
		config.QueueSize = def.QueueSize
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}

	if config.RetryDelay == 0 {
		config.RetryDelay = def.RetryDelay
	}

	if config.Workers == 0 {
		config.Workers = def.Workers
	}

	if config.HandlerTimeout == 0 {
		config.HandlerTimeout = def.HandlerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &MemoryBus{
		ctx:        ctx,
		cancel:     cancel,
		deliveries: make(chan *delivery, config.QueueSize),
		subs:       make(map[Topic]map[uint64]*subscriber),
		config:     config,
	}

	for i := range config.Workers {
		b.wg.Add(1)

		go b.worker(i)
	}

	b.wg.Add(1)

	go b.retryProcessor()

	log.Info().Int("workers", config.Workers).Msg("Memory bus started")

	return b
}

// Publish queues env for every current subscriber of its topic.
func (b *MemoryBus) Publish(_ context.Context, env *Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subs[env.Topic] {
		select {
		case b.deliveries <- &delivery{env: env, sub: sub}:
		default:
			return fmt.Errorf("%w: topic %s", ErrBusFull, env.Topic)
		}
	}

	return nil
}

// Subscribe registers handler for topic.
func (b *MemoryBus) Subscribe(topic Topic, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &subscriber{id: b.nextID, topic: topic, handler: handler}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}

	b.subs[topic][sub.id] = sub

	return &memorySubscription{bus: b, sub: sub}, nil
}

// Ping always succeeds while the bus is open.
func (b *MemoryBus) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	return nil
}

// Close stops the workers. Queued deliveries are dropped.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	log.Info().Msg("Memory bus stopped")

	return nil
}

type memorySubscription struct {
	bus  *MemoryBus
	sub  *subscriber
	once sync.Once
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		delete(s.bus.subs[s.sub.topic], s.sub.id)
	})
}

func (b *MemoryBus) subscribed(sub *subscriber) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.subs[sub.topic][sub.id]

	return ok
}

func (b *MemoryBus) worker(id int) {
	defer b.wg.Done()

	log.Debug().Int("worker", id).Msg("Memory bus worker started")

	for {
		select {
		case <-b.ctx.Done():
			return
		case d := <-b.deliveries:
			b.deliver(d)
		}
	}
}

func (b *MemoryBus) deliver(d *delivery) {
	if !b.subscribed(d.sub) {
		return
	}

	d.attempts++

	ctx, cancel := context.WithTimeout(b.ctx, b.config.HandlerTimeout)
	defer cancel()

	err := safeInvoke(ctx, d.sub.handler, d.env)
	if err == nil {
		return
	}

	log.Warn().
		Err(err).
		Str("topic", string(d.env.Topic)).
		Str("envelope_id", d.env.ID).
		Int("attempt", d.attempts).
		Msg("Bus handler failed")

	if d.attempts >= b.config.MaxRetries {
		log.Error().
			Str("topic", string(d.env.Topic)).
			Str("envelope_id", d.env.ID).
			Int("attempts", d.attempts).
			Msg("Max retries exceeded, dropping delivery")

		return
	}

	d.nextRetry = time.Now().Add(b.config.RetryDelay * time.Duration(1<<uint(d.attempts-1)))

	b.mu.Lock()
	b.retryQueue = append(b.retryQueue, d)
	b.mu.Unlock()
}

func safeInvoke(ctx context.Context, h Handler, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(ctx, env)
}

func (b *MemoryBus) retryProcessor() {
	defer b.wg.Done()

	ticker := time.NewTicker(max(b.config.RetryDelay/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.processRetries()
		}
	}
}

func (b *MemoryBus) processRetries() {
	b.mu.Lock()
	now := time.Now()

	var ready, remaining []*delivery

	for _, d := range b.retryQueue {
		if now.After(d.nextRetry) {
			ready = append(ready, d)
		} else {
			remaining = append(remaining, d)
		}
	}

	b.retryQueue = remaining
	b.mu.Unlock()

	for _, d := range ready {
		select {
		case b.deliveries <- d:
		case <-b.ctx.Done():
			return
		default:
			log.Warn().Str("topic", string(d.env.Topic)).Msg("Bus queue full, dropping retry")
		}
	}
}
