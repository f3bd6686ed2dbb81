package events

import (
	"context"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
)

const DefaultBuffer = 64

type item struct {
	cycle *CycleEvent
	alert *Alert
}

type subscriber struct {
	name      string
	sink      Sink
	queue     chan item
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// SubscriberStats are the delivery counters of one sink
type SubscriberStats struct {
	Delivered uint64
	Dropped   uint64
	Failed    uint64
	Queued    int
}

// Bus fans events out to named sinks. Each sink has its own bounded queue
// and goroutine; when a queue is full the new event is dropped for that
// sink only, so publishing never blocks.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	running bool
	closed  bool
	wg      sync.WaitGroup
	log     logger.Logger
}

func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.With("events")
	}

	return &Bus{log: log}
}

// Subscribe registers sink under name. It must be called before Run.
func (b *Bus) Subscribe(name string, sink Sink, buffer int) error {
	errFactory := errors.New()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running || b.closed {
		return errFactory.WithMessage(errors.ErrInvalidOperation, "event bus already started")
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.subs = append(b.subs, &subscriber{name: name, sink: sink, queue: make(chan item, buffer)})
	b.log.Debug().Str("sink", name).Int("buffer", buffer).Msg("Event sink registered")

	return nil
}

// Run delivers events until ctx is cancelled, then drains what is queued
// and returns.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running || b.closed {
		b.mu.Unlock()
		return errors.New().New(errors.ErrAlreadyRunning)
	}
	b.running = true
	subs := b.subs
	b.mu.Unlock()

	// Sinks get a context that outlives ctx so the final events drain.
	deliverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	for _, s := range subs {
		b.wg.Add(1)
		go b.deliver(deliverCtx, s)
	}

	<-ctx.Done()
	b.close()
	b.wg.Wait()

	return nil
}

func (b *Bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.queue)
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscriber) {
	defer b.wg.Done()

	for it := range s.queue {
		var err error
		if it.cycle != nil {
			err = s.sink.PublishCycle(ctx, *it.cycle)
		} else {
			err = s.sink.PublishAlert(ctx, *it.alert)
		}

		if err != nil {
			s.failed.Add(1)
			b.log.Debug().Str("sink", s.name).Err(err).Msg("Event delivery failed")
			continue
		}
		s.delivered.Add(1)
	}
}

func (b *Bus) publish(it item) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		select {
		case s.queue <- it:
		default:
			s.dropped.Add(1)
		}
	}
}

// PublishCycle queues ev for every sink. It never blocks.
func (b *Bus) PublishCycle(_ context.Context, ev CycleEvent) error {
	b.publish(item{cycle: &ev})
	return nil
}

// PublishAlert queues a for every sink. It never blocks.
func (b *Bus) PublishAlert(_ context.Context, a Alert) error {
	b.publish(item{alert: &a})
	return nil
}

func (b *Bus) Stats() map[string]SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make(map[string]SubscriberStats, len(b.subs))
	for _, s := range b.subs {
		stats[s.name] = SubscriberStats{
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
			Failed:    s.failed.Load(),
			Queued:    len(s.queue),
		}
	}

	return stats
}
