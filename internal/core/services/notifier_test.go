package services

import (
	"sync"
	"testing"

	"lanscreen/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_DeliversInPublishOrder(t *testing.T) {
	n := NewNotifier(testLogger(t))
	defer n.Close()

	var (
		mu   sync.Mutex
		seqs []uint64
	)
	n.Subscribe(func(evt domain.Event) {
		mu.Lock()
		seqs = append(seqs, evt.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n.Publish(domain.Event{Type: domain.EventNotice})
			}
		}()
	}
	wg.Wait()
	n.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seqs, 400)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestNotifier_UnsubscribeStopsDelivery(t *testing.T) {
	n := NewNotifier(testLogger(t))
	defer n.Close()

	count := 0
	unsubscribe := n.Subscribe(func(domain.Event) { count++ })

	n.Publish(domain.Event{Type: domain.EventNotice})
	n.Flush()
	unsubscribe()
	unsubscribe()
	n.Publish(domain.Event{Type: domain.EventNotice})
	n.Flush()

	assert.Equal(t, 1, count)
}

func TestNotifier_PanickingObserverDoesNotBlockOthers(t *testing.T) {
	n := NewNotifier(testLogger(t))
	defer n.Close()

	n.Subscribe(func(domain.Event) { panic("boom") })
	got := 0
	n.Subscribe(func(domain.Event) { got++ })

	n.Publish(domain.Event{Type: domain.EventNotice})
	n.Publish(domain.Event{Type: domain.EventNotice})
	n.Flush()

	assert.Equal(t, 2, got)
}

func TestNotifier_CloseDrainsQueue(t *testing.T) {
	n := NewNotifier(testLogger(t))

	got := 0
	n.Subscribe(func(domain.Event) { got++ })
	for i := 0; i < 10; i++ {
		n.Publish(domain.Event{Type: domain.EventNotice})
	}
	n.Close()
	n.Publish(domain.Event{Type: domain.EventNotice})

	assert.Equal(t, 10, got)
}
