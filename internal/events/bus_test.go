package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/events"
)

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, events.Event) error { return errors.New("boom") }

func TestBusEmitPersistsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var logs bytes.Buffer
	fixed := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	bus := &events.Bus{
		Store:     events.RedisStore{Client: client, Stream: "test:events"},
		Notifiers: []events.Notifier{events.LogNotifier{Logger: zerolog.New(&logs)}},
		Now:       func() time.Time { return fixed },
	}

	ev, err := bus.Emit(context.Background(), events.TopicCheckoutSubmitted, "sess-1", map[string]string{"method": "PIX"})
	require.NoError(t, err)
	require.Equal(t, fixed, ev.OccurredAt)
	require.JSONEq(t, `{"method":"PIX"}`, string(ev.Payload))

	msgs, err := client.XRange(context.Background(), "test:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, events.TopicCheckoutSubmitted, msgs[0].Values["topic"])
	require.Equal(t, "sess-1", msgs[0].Values["aggregate_id"])

	var line map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &line))
	require.Equal(t, "domain_event", line["message"])
	require.Equal(t, events.TopicCheckoutSubmitted, line["topic"])
}

func TestBusEmitValidatesAndJoinsNotifierErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := &events.Bus{Store: events.RedisStore{Client: client}, Notifiers: []events.Notifier{failingNotifier{}, nil}}

	_, err := bus.Emit(context.Background(), " ", "x", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicCheckoutPaid, "", nil)
	require.Error(t, err)

	ev, err := bus.Emit(context.Background(), events.TopicCheckoutPaid, "order-1", json.RawMessage(`{"paid":true}`))
	require.Error(t, err)
	require.Equal(t, "order-1", ev.AggregateID)
	require.Contains(t, err.Error(), "boom")

	var nilBus *events.Bus
	_, err = nilBus.Emit(context.Background(), events.TopicCheckoutPaid, "x", nil)
	require.Error(t, err)
}
