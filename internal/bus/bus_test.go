package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, zap.NewNop()), mr
}

type testJob struct {
	RequestID string `json:"request_id"`
}

func TestPublishConsumeAck(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, "ANY", "EXECUTE", "req"))
	require.NoError(t, b.Publish(ctx, "ANY", "EXECUTE", "req", testJob{RequestID: "r1"}))

	msgs, err := b.Consume(ctx, "ANY", "EXECUTE", "req", "worker-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var decoded testJob
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &decoded))
	require.Equal(t, "r1", decoded.RequestID)

	require.NoError(t, b.Ack(ctx, "ANY", "EXECUTE", "req", msgs[0].ID))
}

func TestConsumeDeliversOncePerGroup(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, "ANY", "SCHEDULER", "req"))
	require.NoError(t, b.Publish(ctx, "ANY", "SCHEDULER", "req", testJob{RequestID: "only-once"}))

	first, err := b.Consume(ctx, "ANY", "SCHEDULER", "req", "worker-a", 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := b.Consume(ctx, "ANY", "SCHEDULER", "req", "worker-b", 10*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, second, "a message already claimed by worker-a must not be redelivered to worker-b")
}

func TestDocumentStoreRoundTrip(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	key := RequestKey("req-1")
	require.NoError(t, b.PutDocument(ctx, key, map[string]any{"request_id": "req-1", "responses": []any{}}))

	var out map[string]any
	require.NoError(t, b.GetDocument(ctx, key, &out))
	require.Equal(t, "req-1", out["request_id"])
}

func TestGetDocumentUnknownID(t *testing.T) {
	b, _ := newTestBus(t)
	var out map[string]any
	err := b.GetDocument(context.Background(), RequestKey("missing"), &out)
	require.Error(t, err)
}

type counterDoc struct {
	Count int `json:"count"`
}

func TestUpdateDocumentConcurrentAppend(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()
	key := "counter:1"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.UpdateDocument(ctx, key, func() any { return &counterDoc{} }, func(doc any) error {
				d := doc.(*counterDoc)
				d.Count++
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	var final counterDoc
	require.NoError(t, b.GetDocument(ctx, key, &final))
	require.Equal(t, 20, final.Count)
}

func TestScheduleAndPopReady(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, b.ScheduleMember(ctx, past, "job-due"))
	require.NoError(t, b.ScheduleMember(ctx, future, "job-not-due"))

	ready, err := b.PopReady(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"job-due"}, ready)

	// popped members are removed; a second pop returns nothing new.
	readyAgain, err := b.PopReady(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, readyAgain)

	readyFuture, err := b.PopReady(ctx, future.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"job-not-due"}, readyFuture)
}

func TestMailbox(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	_, ok, err := b.GetMailbox(ctx, "req-1", "cancel")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.SetMailbox(ctx, "req-1", "cancel", "true", 0))
	v, ok, err := b.GetMailbox(ctx, "req-1", "cancel")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", v)
}

func TestThisSiteFallback(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	_, ok, err := b.ThisSite(ctx)
	require.NoError(t, err)
	require.False(t, ok, "no site published yet — caller should fall back to configuration")

	require.NoError(t, b.SetThisSite(ctx, "site-a"))
	site, ok, err := b.ThisSite(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "site-a", site)
}
