// README: In-process event bus with an explicit Start/Stop lifecycle.
package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type subscription struct {
	id        int
	eventType string
	handler   Handler
}

type LocalBus struct {
	log   logrus.FieldLogger
	queue chan Event

	mu      sync.RWMutex
	subs    []subscription
	nextID  int
	running bool
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func NewLocalBus(buffer int, log logrus.FieldLogger) *LocalBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &LocalBus{
		log:   log,
		queue: make(chan Event, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the dispatch loop. Calling it twice is a no-op.
func (b *LocalBus) Start() {
	b.mu.Lock()
	if b.running || b.closed {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()
	go b.loop()
}

// Stop drains queued events, then stops the loop. Publish fails with ErrClosed afterwards.
func (b *LocalBus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	running := b.running
	b.mu.Unlock()

	close(b.stop)
	if running {
		<-b.done
	}
}

func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

func (b *LocalBus) Subscribe(eventType string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: h})
	return func() { b.unsubscribe(id) }, nil
}

func (b *LocalBus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *LocalBus) loop() {
	defer close(b.done)
	for {
		select {
		case e := <-b.queue:
			b.deliver(e)
		case <-b.stop:
			for {
				select {
				case e := <-b.queue:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *LocalBus) deliver(e Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == All || s.eventType == e.Type {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.safeCall(h, e)
	}
}

func (b *LocalBus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"event": e.Type, "panic": r}).Error("event handler panicked")
		}
	}()
	h(e)
}
