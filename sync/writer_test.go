package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/common"
)

func startWriter(t *testing.T, depth int) *Writer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWriter(depth)
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})
	return w
}

func TestWriter_SerializesMutations(t *testing.T) {
	w := startWriter(t, 8)

	// Appended without a lock: only the writer goroutine runs the jobs, so a
	// torn slice here would mean the single-writer guarantee is broken.
	var order []int
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		i := i
		go func() {
			err := w.Do(context.Background(), "did:arweave:tx", func(context.Context) error {
				order = append(order, i)
				return nil
			})
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Len(t, order, 20)
}

func TestWriter_ReturnsJobError(t *testing.T) {
	w := startWriter(t, 4)

	boom := errors.New("mapping exploded")
	err := w.Do(context.Background(), "did:arweave:tx", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestWriter_FullQueueHonorsCallerContext(t *testing.T) {
	w := startWriter(t, 1)

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	go func() {
		_ = w.Do(context.Background(), "did:gun:slow", func(context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	// One more job fills the queue behind the in-flight one.
	go func() {
		_ = w.Do(context.Background(), "did:gun:queued", func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return w.Depth() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Do(ctx, "did:gun:late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriter_ShutdownDrainsQueuedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWriter(4)
	w.Start(ctx)

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = w.Do(context.Background(), "did:gun:slow", func(context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	queued := make(chan error, 1)
	go func() {
		queued <- w.Do(context.Background(), "did:gun:queued", func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return w.Depth() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	close(block)
	w.Wait()

	assert.ErrorIs(t, <-queued, ErrWriterClosed)
	err := w.Do(context.Background(), "did:gun:late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestWriterIndex_RoutesDeletesThroughWriter(t *testing.T) {
	w := startWriter(t, 4)
	idx := newFakeIndex()
	idx.add(testRecord("did:arweave:doomed"))

	wi := WriterIndex{Index: idx, Writer: w}

	rec, err := wi.GetRecord(context.Background(), "did:arweave:doomed")
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NoError(t, wi.DeleteRecord(context.Background(), "did:arweave:doomed"))
	_, err = wi.GetRecord(context.Background(), "did:arweave:doomed")
	assert.Equal(t, common.FailureNotFound, common.KindOf(err))
}
