package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FiltersBySession(t *testing.T) {
	h := NewHub(4)
	all := h.Subscribe("")
	one := h.Subscribe("s-1")
	defer h.Unsubscribe(all)
	defer h.Unsubscribe(one)

	h.Publish(Decision{Type: DecisionFinalize, SessionID: "s-1", Outcome: "created"})
	h.Publish(Decision{Type: DecisionFinalize, SessionID: "s-2", Outcome: "not_ready"})

	require.Len(t, all.Outbound, 2)
	require.Len(t, one.Outbound, 1)

	got := <-one.Outbound
	assert.Equal(t, "created", got.Outcome)
	assert.False(t, got.At.IsZero())
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe("")
	defer h.Unsubscribe(s)

	h.Publish(Decision{SessionID: "s-1", Outcome: "first"})
	h.Publish(Decision{SessionID: "s-1", Outcome: "second"})

	require.Len(t, s.Outbound, 1)
	assert.Equal(t, "first", (<-s.Outbound).Outcome)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe("")
	assert.Equal(t, 1, h.Count())

	h.Unsubscribe(s)
	h.Unsubscribe(s)
	assert.Equal(t, 0, h.Count())

	_, open := <-s.Outbound
	assert.False(t, open)

	h.Publish(Decision{SessionID: "s-1"})
}

func TestHub_ConcurrentPublish(t *testing.T) {
	h := NewHub(1000)
	s := h.Subscribe("")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(Decision{SessionID: "s-1"})
			}
		}()
	}
	wg.Wait()
	h.Unsubscribe(s)

	n := 0
	for range s.Outbound {
		n++
	}
	assert.Equal(t, 500, n)
}
