package hub_test

import (
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/thermalmon/internal/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *hub.Subscription) hub.Event {
	t.Helper()

	select {
	case ev, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return hub.Event{}
	}
}

func assertEmpty(t *testing.T, s *hub.Subscription) {
	t.Helper()

	select {
	case ev := <-s.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestPublishFiltersTopics(t *testing.T) {
	h := hub.New()
	all := h.Subscribe()
	elapsed := h.Subscribe(hub.TopicElapsed)

	h.Publish(hub.TopicThermal, "t")
	h.Publish(hub.TopicElapsed, "00:00:01")

	assert.Equal(t, hub.TopicThermal, receive(t, all).Topic)
	assert.Equal(t, "00:00:01", receive(t, all).Payload)

	ev := receive(t, elapsed)
	assert.Equal(t, "00:00:01", ev.Payload)
	assert.Equal(t, uint64(2), ev.Seq)
	assertEmpty(t, elapsed)
}

func TestSubscribeReplaysLatestPerTopic(t *testing.T) {
	h := hub.New()
	h.Publish(hub.TopicState, "Idle")
	h.Publish(hub.TopicElapsed, "00:00:01")
	h.Publish(hub.TopicState, "Recording")
	h.Publish(hub.TopicElapsed, "00:00:02")

	s := h.Subscribe(hub.TopicState, hub.TopicElapsed)

	first := receive(t, s)
	second := receive(t, s)
	assert.Equal(t, "Recording", first.Payload)
	assert.Equal(t, "00:00:02", second.Payload)
	assert.Less(t, first.Seq, second.Seq)
	assertEmpty(t, s)

	last, ok := h.Last(hub.TopicState)
	require.True(t, ok)
	assert.Equal(t, "Recording", last.Payload)
}

func TestSlowSubscriberEvicted(t *testing.T) {
	h := hub.New(hub.WithBuffer(2))
	slow := h.Subscribe()
	fast := h.Subscribe()

	for i := range 5 {
		h.Publish(hub.TopicElapsed, i)
		receive(t, fast)
	}

	assert.Equal(t, 1, h.Count())

	var got []any
	for ev := range slow.C() {
		got = append(got, ev.Payload)
	}
	assert.Equal(t, []any{0, 1}, got)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := hub.New()
	s := h.Subscribe()

	s.Unsubscribe()
	s.Unsubscribe()

	_, ok := <-s.C()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Count())

	h.Publish(hub.TopicStatus, "ignored")
}

func TestOrderingAcrossSubscribers(t *testing.T) {
	h := hub.New(hub.WithBuffer(1024))
	subs := []*hub.Subscription{h.Subscribe(), h.Subscribe(), h.Subscribe()}

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range 50 {
				h.Publish(hub.TopicStatus, worker*100+i)
			}
		}(w)
	}
	wg.Wait()
	h.Close()

	var reference []uint64
	for i, s := range subs {
		var seqs []uint64
		for ev := range s.C() {
			seqs = append(seqs, ev.Seq)
		}
		require.Len(t, seqs, 200)
		for j := 1; j < len(seqs); j++ {
			assert.Less(t, seqs[j-1], seqs[j])
		}
		if i == 0 {
			reference = seqs
			continue
		}
		assert.Equal(t, reference, seqs)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	h := hub.New()
	h.Close()

	_, ok := <-h.Subscribe().C()
	assert.False(t, ok)
}

func TestParseTopic(t *testing.T) {
	topic, ok := hub.ParseTopic("thermal")
	assert.True(t, ok)
	assert.Equal(t, hub.TopicThermal, topic)

	_, ok = hub.ParseTopic("gpu")
	assert.False(t, ok)
}
