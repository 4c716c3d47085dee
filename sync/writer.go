// Package sync runs the two ingest loops, Arweave and GUN, and the shared
// machinery between them: the record pipeline (decode, verify, project),
// the single-writer queue into the index, the pending queue for records
// whose templates have not arrived, and the permanently-failed set.
package sync

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// ErrWriterClosed is returned for work submitted after shutdown began.
var ErrWriterClosed = errors.New("writer closed")

// job couples an index mutation with its caller's reply channel.
type job struct {
	did   string
	run   func(ctx context.Context) error
	reply chan error
}

// Writer serializes every index mutation through one goroutine. Sync loops,
// the pending-queue drain and deletion application all funnel through here,
// which is what makes projection idempotence per DID enforceable. The queue
// is bounded; a full queue suspends submitters instead of dropping work.
type Writer struct {
	jobs chan job
	done chan struct{}
	log  *logrus.Entry
}

// NewWriter creates a writer with the given queue depth.
func NewWriter(depth int) *Writer {
	if depth <= 0 {
		depth = 256
	}
	return &Writer{
		jobs: make(chan job, depth),
		done: make(chan struct{}),
		log:  common.ComponentLogger("writer"),
	}
}

// Start launches the writer goroutine. The context bounds every job run;
// cancelling it lets the in-flight job finish and drains queued jobs with
// ErrWriterClosed so suspended submitters wake up.
func (w *Writer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer close(w.done)
		defer cancel()
		for {
			// Shutdown wins over queued work, so a cancelled loop never
			// keeps mutating the index.
			select {
			case <-ctx.Done():
				w.drain()
				return
			default:
			}
			select {
			case <-ctx.Done():
				w.drain()
				return
			case j := <-w.jobs:
				// The in-flight write runs to completion even during
				// shutdown; a half-applied mutation is worse than a late
				// one.
				err := j.run(runCtx)
				if err != nil {
					w.log.WithField("did", j.did).WithError(err).Debug("index mutation failed")
				}
				j.reply <- err
			}
		}
	}()
}

func (w *Writer) drain() {
	dropped := 0
	for {
		select {
		case j := <-w.jobs:
			j.reply <- ErrWriterClosed
			dropped++
		default:
			if dropped > 0 {
				w.log.WithField("jobs", dropped).Warn("writer shut down with queued work")
			}
			return
		}
	}
}

// Do submits a mutation and waits for its result. Suspends when the queue
// is full, which is the backpressure the sync loops rely on.
func (w *Writer) Do(ctx context.Context, did string, run func(ctx context.Context) error) error {
	j := job{did: did, run: run, reply: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWriterClosed
	}
	select {
	case err := <-j.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		// The job may have been accepted in the instant before shutdown
		// finished, so give its reply one more look.
		select {
		case err := <-j.reply:
			return err
		default:
			return ErrWriterClosed
		}
	}
}

// Depth reports how many mutations are queued, for the health endpoint.
func (w *Writer) Depth() int { return len(w.jobs) }

// Wait blocks until the writer goroutine has exited.
func (w *Writer) Wait() { <-w.done }

// WriterIndex wraps an Index so mutations route through the writer while
// reads pass straight down. The deletion processor runs behind it, which
// keeps its removals inside the same write ordering as projections.
type WriterIndex struct {
	Index  Index
	Writer *Writer
}

func (w WriterIndex) GetRecord(ctx context.Context, did string) (*record.Record, error) {
	return w.Index.GetRecord(ctx, did)
}

func (w WriterIndex) DeleteRecord(ctx context.Context, did string) error {
	return w.Writer.Do(ctx, did, func(ctx context.Context) error {
		return w.Index.DeleteRecord(ctx, did)
	})
}
