package usage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/normanking/relay/internal/data"
)

type captureWriter struct {
	mu      sync.Mutex
	records []*data.UsageRecord
	err     error
}

func (w *captureWriter) InsertUsage(ctx context.Context, r *data.UsageRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, r)
	return nil
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func TestSubmitAndDrain(t *testing.T) {
	w := &captureWriter{}
	q := NewQueue(w)

	for i := 0; i < 10; i++ {
		assert.True(t, q.Submit(&data.UsageRecord{ID: "r", UserID: "u1", Provider: "ollama"}))
	}

	// Close drains everything before returning.
	q.Close()
	assert.Equal(t, 10, w.count())
}

func TestWriteErrorsAreSwallowed(t *testing.T) {
	w := &captureWriter{err: errors.New("db locked")}
	q := NewQueue(w)

	assert.True(t, q.Submit(&data.UsageRecord{ID: "r1", UserID: "u1", Provider: "ollama"}))
	q.Close() // must not panic or block
}

func TestCloseIdempotent(t *testing.T) {
	q := NewQueue(&captureWriter{})
	q.Close()
	q.Close()
}
