package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return Event{
		ID:        "evt-1",
		Type:      "stage.complete",
		Outcome:   "ok",
		Actor:     "nurse-7",
		SessionID: "5f0c6a7e-8d43-4a57-9d5e-6a0f9c1b2d3e",
		PatientID: "b1d7f3c2-1111-4a57-9d5e-6a0f9c1b2d3e",
		Subject:   "rec-9",
		Detail:    map[string]string{"stage": "DELIVERY"},
		At:        time.Date(2026, 3, 4, 8, 30, 0, 0, time.UTC),
	}
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStreamSink_Append(t *testing.T) {
	_, client := setupTestRedis(t)
	sink := NewRedisStreamSink(client, "medround:events", 0)
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, sampleEvent()))

	msgs, err := client.XRange(ctx, "medround:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, "stage.complete", msgs[0].Values["type"])
	assert.Equal(t, "ok", msgs[0].Values["outcome"])

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, "nurse-7", got.Actor)
	assert.Equal(t, "DELIVERY", got.Detail["stage"])
	assert.True(t, got.At.Equal(sampleEvent().At))
}

func TestRedisStreamSink_PreservesOrder(t *testing.T) {
	_, client := setupTestRedis(t)
	sink := NewRedisStreamSink(client, "medround:events", 100)
	ctx := context.Background()

	for _, typ := range []string{"stage.create", "stage.start", "stage.complete"} {
		e := sampleEvent()
		e.Type = typ
		require.NoError(t, sink.Append(ctx, e))
	}

	msgs, err := client.XRange(ctx, "medround:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "stage.create", msgs[0].Values["type"])
	assert.Equal(t, "stage.complete", msgs[2].Values["type"])
}

func TestRedisStreamSink_ServerDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	sink := NewRedisStreamSink(client, "medround:events", 0)
	mr.Close()

	err := sink.Append(context.Background(), sampleEvent())
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_Append(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}

	require.NoError(t, sink.Append(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, sampleEvent().SessionID, string(msg.Key))
	var got Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "stage.complete", got.Type)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "outcome", msg.Headers[1].Key)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_KeyFallsBackToType(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	e := sampleEvent()
	e.SessionID = ""

	require.NoError(t, sink.Append(context.Background(), e))
	assert.Equal(t, "stage.complete", string(w.msgs[0].Key))
}

func TestKafkaSink_WriteError(t *testing.T) {
	sink := &KafkaSink{writer: &fakeWriter{err: errors.New("broker unavailable")}}
	err := sink.Append(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, Event) error { return f.err }

type countingSink struct{ n int }

func (c *countingSink) Append(context.Context, Event) error {
	c.n++
	return nil
}

func TestMulti_AttemptsEverySink(t *testing.T) {
	first := &countingSink{}
	last := &countingSink{}
	boom := errors.New("boom")
	m := Multi{first, failingSink{err: boom}, last}

	err := m.Append(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, first.n)
	assert.Equal(t, 1, last.n)
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, Multi{}.Append(context.Background(), sampleEvent()))
}

func TestLoggerSink_Append(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLoggerSink(zerolog.New(&buf))

	require.NoError(t, sink.Append(context.Background(), sampleEvent()))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["message"])
	assert.Equal(t, "audit", line["component"])
	assert.Equal(t, "stage.complete", line["type"])
	assert.Equal(t, "DELIVERY", line["stage"])
	assert.Equal(t, "rec-9", line["subject"])
}
