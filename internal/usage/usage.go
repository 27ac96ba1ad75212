// Package usage buffers usage records and writes them to storage on a
// background worker, keeping the request path non-blocking.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/logging"
)

// Writer is the storage operation the queue needs.
type Writer interface {
	InsertUsage(ctx context.Context, r *data.UsageRecord) error
}

// defaultQueueSize bounds buffered records. When the buffer is full new
// records are dropped with a debug log; usage accounting is best-effort
// and must never block routing.
const defaultQueueSize = 1024

// Queue accepts usage records and persists them asynchronously.
type Queue struct {
	writer Writer
	log    *logging.Logger
	ch     chan *data.UsageRecord

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue starts a queue with its background worker.
func NewQueue(writer Writer) *Queue {
	q := &Queue{
		writer: writer,
		log:    logging.Global().WithComponent("usage"),
		ch:     make(chan *data.UsageRecord, defaultQueueSize),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues a record without blocking. Returns false if the buffer
// is full and the record was dropped.
func (q *Queue) Submit(r *data.UsageRecord) bool {
	select {
	case q.ch <- r:
		return true
	default:
		q.log.Debug("[Usage] queue full, dropping record for %s/%s", r.UserID, r.Provider)
		return false
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for r := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := q.writer.InsertUsage(ctx, r); err != nil {
			q.log.Debug("[Usage] write failed for %s: %v", r.ID, err)
		}
		cancel()
	}
}

// Close drains remaining records and stops the worker. Safe to call more
// than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
	<-q.done
}
