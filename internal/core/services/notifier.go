package services

import (
	"sync"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type subscription struct {
	id       uuid.UUID
	observer ports.Observer
}

// Notifier sequences events and delivers them to observers from a single
// dispatcher goroutine, so every observer sees events in publish order.
// Publishers call Publish while holding their own state lock; delivery
// never runs under that lock.
type Notifier struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []domain.Event
	seq       uint64
	observers []subscription
	busy      bool
	closed    bool
	done      chan struct{}

	logger *zap.SugaredLogger
}

func NewNotifier(logger *zap.SugaredLogger) *Notifier {
	n := &Notifier{
		done:   make(chan struct{}),
		logger: logger,
	}
	n.cond = sync.NewCond(&n.mu)
	go n.dispatch()
	return n
}

// Publish assigns the next sequence number and enqueues the event.
func (n *Notifier) Publish(evt domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	n.seq++
	evt.Seq = n.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	n.queue = append(n.queue, evt)
	n.cond.Broadcast()
}

// Seq returns the last sequence number handed out.
func (n *Notifier) Seq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// Subscribe registers an observer. The returned func removes it and is safe
// to call more than once.
func (n *Notifier) Subscribe(observer ports.Observer) func() {
	sub := subscription{id: uuid.New(), observer: observer}

	n.mu.Lock()
	n.observers = append(n.observers, sub)
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.observers {
				if s.id == sub.id {
					n.observers = append(n.observers[:i], n.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Flush blocks until every event published so far has been delivered.
// Must not be called from inside an observer.
func (n *Notifier) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for (len(n.queue) > 0 || n.busy) && !n.closed {
		n.cond.Wait()
	}
}

// Close delivers what is already queued, then stops the dispatcher.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) dispatch() {
	defer close(n.done)

	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}

		evt := n.queue[0]
		n.queue[0] = domain.Event{}
		n.queue = n.queue[1:]
		subs := make([]subscription, len(n.observers))
		copy(subs, n.observers)
		n.busy = true
		n.mu.Unlock()

		for _, sub := range subs {
			n.deliver(sub, evt)
		}

		n.mu.Lock()
		n.busy = false
		n.cond.Broadcast()
		n.mu.Unlock()
	}
}

func (n *Notifier) deliver(sub subscription, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorw("observer panicked",
				"subscription", sub.id.String(),
				"event_type", evt.Type,
				"seq", evt.Seq,
				"panic", r,
			)
		}
	}()
	sub.observer(evt)
}

// filtered wraps an observer so it only sees the given event types.
func filtered(observer ports.Observer, types ...domain.EventType) ports.Observer {
	return func(evt domain.Event) {
		for _, t := range types {
			if evt.Type == t {
				observer(evt)
				return
			}
		}
	}
}
