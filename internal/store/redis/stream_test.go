package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStream_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewStream("not-a-redis-url", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestInMemoryPublisher_PublishAndRead(t *testing.T) {
	t.Parallel()

	pub := NewInMemoryPublisher()
	defer pub.Close()

	type event struct {
		Ramp string  `json:"ramp"`
		Rate float64 `json:"rate"`
	}

	require.NoError(t, pub.PublishJSON(context.Background(), "signal_plans", event{Ramp: "THA", Rate: 0.4}))
	require.NoError(t, pub.PublishJSON(context.Background(), "signal_plans", event{Ramp: "HOR", Rate: 0.2}))

	events := pub.Events("signal_plans")
	require.Len(t, events, 2)

	var first event
	require.NoError(t, json.Unmarshal(events[0], &first))
	assert.Equal(t, "THA", first.Ramp)
	assert.Equal(t, 0.4, first.Rate)

	var second event
	require.NoError(t, json.Unmarshal(events[1], &second))
	assert.Equal(t, "HOR", second.Ramp)
}

func TestInMemoryPublisher_StreamsIsolated(t *testing.T) {
	t.Parallel()

	pub := NewInMemoryPublisher()
	defer pub.Close()

	require.NoError(t, pub.PublishJSON(context.Background(), "a", map[string]int{"x": 1}))

	assert.Len(t, pub.Events("a"), 1)
	assert.Empty(t, pub.Events("b"))
}

func TestInMemoryPublisher_UnmarshalablePayload(t *testing.T) {
	t.Parallel()

	pub := NewInMemoryPublisher()
	defer pub.Close()

	err := pub.PublishJSON(context.Background(), "s", make(chan int))
	require.Error(t, err)
}

func TestInMemoryPublisher_ConcurrentPublish(t *testing.T) {
	t.Parallel()

	pub := NewInMemoryPublisher()
	defer pub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.PublishJSON(context.Background(), "concurrent", map[string]string{"k": "v"})
		}()
	}
	wg.Wait()

	assert.Len(t, pub.Events("concurrent"), 20)
}
