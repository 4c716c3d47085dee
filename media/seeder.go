package media

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/oipwg/oipd/common"
)

// seedChunk is the transfer unit the bandwidth limiter meters.
const seedChunk = 32 * 1024

// Seeder streams mirrored asset bytes to peers under two caps: a fixed
// number of concurrent transfers and a shared bytes-per-second budget.
type Seeder struct {
	slots   chan struct{}
	limiter *rate.Limiter
	active  atomic.Int64
	log     *logrus.Entry
}

// NewSeeder builds a seeder. maxConcurrent 0 selects a single slot;
// bytesPerSec 0 leaves bandwidth unlimited.
func NewSeeder(maxConcurrent int, bytesPerSec float64) *Seeder {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if bytesPerSec > 0 {
		burst := seedChunk
		if int(bytesPerSec) > burst {
			burst = int(bytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return &Seeder{
		slots:   make(chan struct{}, maxConcurrent),
		limiter: limiter,
		log:     common.ComponentLogger("media-seeder"),
	}
}

// Active reports the number of transfers currently running.
func (s *Seeder) Active() int { return int(s.active.Load()) }

// Seed copies src to dst, blocking for a free slot first. The context
// bounds both the wait and the transfer itself.
func (s *Seeder) Seed(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, common.Fail(common.FailureResource, ctx.Err())
	}
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		<-s.slots
	}()

	var total int64
	buf := make([]byte, seedChunk)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := s.limiter.WaitN(ctx, n); err != nil {
				return total, err
			}
			written, writeErr := dst.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, readErr
		}
	}
	s.log.WithField("size", humanize.Bytes(uint64(total))).Debug("seed complete")
	return total, nil
}
