package delivery

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	receipt, err := q.Enqueue(ctx, &Request{
		AccountID: "acc1",
		Recipient: "chat-42",
		Platform:  "telegram",
		MediaPath: "/tmp/out/report.docx",
		Caption:   "Generated report",
		MimeType:  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Source:    "async-cli",
	})
	require.NoError(t, err)
	assert.True(t, receipt.Queued)
	assert.NotEmpty(t, receipt.DeliveryID)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, receipt.DeliveryID, got.DeliveryID)
	assert.Equal(t, "/tmp/out/report.docx", got.MediaPath)
	assert.False(t, got.EnqueuedAt.IsZero())

	// Queue is empty now.
	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisQueueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2", "d3"} {
		_, err := q.Enqueue(ctx, &Request{DeliveryID: id, Recipient: "r", Platform: "p"})
		require.NoError(t, err)
	}
	for _, want := range []string{"d1", "d2", "d3"} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.DeliveryID)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), &Request{Content: "no target"})
	assert.Error(t, err)

	m := NewMemorySink()
	_, err = m.Enqueue(context.Background(), &Request{Content: "no target"})
	assert.Error(t, err)
}

func TestMemorySink(t *testing.T) {
	m := NewMemorySink()
	receipt, err := m.Enqueue(context.Background(), &Request{Recipient: "r", Platform: "p", Content: "hello"})
	require.NoError(t, err)
	assert.True(t, receipt.Sent)
	require.Len(t, m.Requests(), 1)
	assert.Equal(t, "hello", m.Requests()[0].Content)
}
