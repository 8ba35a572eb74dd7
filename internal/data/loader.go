package data

import (
	"context"
	"errors"
	"io"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// ErrTimeout is returned by Iterator.Next when no batch arrives in time.
var ErrTimeout = errors.New("data: timed out waiting for batch")

// Loader iterates a dataset batch by batch. Batches are prepared by
// background workers and handed over through a bounded queue in sampler
// order.
type Loader struct {
	Dataset  *Dataset
	Sampler  Sampler
	Collator *Collator

	// Workers is the number of goroutines decoding and collating. Defaults
	// to 1.
	Workers int
	// Prefetch bounds how many prepared batches may wait for the consumer.
	// Defaults to 4.
	Prefetch int
	// PinMemory keeps each worker on one OS thread while it collates. It
	// never changes the batches produced.
	PinMemory bool
	// Timeout bounds how long Next waits for a batch. Zero waits forever.
	Timeout time.Duration

	Logger *log.Logger
}

// NumBatches returns the number of batches in pass epoch.
func (l *Loader) NumBatches(epoch int) int {
	return len(l.Sampler.Batches(epoch))
}

type result struct {
	batch *Batch
	err   error
}

type job struct {
	indices []int
	res     chan<- result
}

// Iterator is one pass over a Loader.
type Iterator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	pending <-chan chan result
	timeout time.Duration
	logger  *log.Logger
	epoch   int
	skipped int
}

// Iterate starts the workers for pass epoch. The caller must Close the
// iterator.
func (l *Loader) Iterate(ctx context.Context, epoch int) *Iterator {
	workers := max(1, l.Workers)
	prefetch := l.Prefetch
	if prefetch <= 0 {
		prefetch = 4
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan job, prefetch)
	pending := make(chan chan result, prefetch)
	batches := l.Sampler.Batches(epoch)

	g.Go(func() error {
		defer close(pending)
		defer close(jobs)
		for _, indices := range batches {
			res := make(chan result, 1)
			select {
			case jobs <- job{indices: indices, res: res}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case pending <- res:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			if l.PinMemory {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
			}
			for j := range jobs {
				b, err := l.load(j.indices)
				j.res <- result{batch: b, err: err}
			}
			return nil
		})
	}

	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Iterator{
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
		pending: pending,
		timeout: l.Timeout,
		logger:  logger,
		epoch:   epoch,
	}
}

func (l *Loader) load(indices []int) (*Batch, error) {
	samples := make([]Sample, 0, len(indices))
	for _, i := range indices {
		s, err := l.Dataset.Get(i)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return l.Collator.Collate(samples)
}

// Next returns the next batch, or io.EOF once the pass is complete. Batches
// holding a malformed record are logged and skipped.
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	for {
		r, err := it.receive(ctx)
		if err != nil {
			return nil, err
		}
		var recErr *RecordError
		switch {
		case r.err == nil:
			return r.batch, nil
		case errors.As(r.err, &recErr):
			it.skipped++
			it.logger.Warn("skipping batch", "epoch", it.epoch, "record", recErr.Index, "err", recErr.Err)
		default:
			return nil, r.err
		}
	}
}

func (it *Iterator) receive(ctx context.Context) (result, error) {
	if err := ctx.Err(); err != nil {
		return result{}, err
	}
	var timeout <-chan time.Time
	if it.timeout > 0 {
		t := time.NewTimer(it.timeout)
		defer t.Stop()
		timeout = t.C
	}

	var res chan result
	select {
	case r, ok := <-it.pending:
		if !ok {
			if err := it.ctx.Err(); err != nil {
				return result{}, err
			}
			return result{}, io.EOF
		}
		res = r
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-it.ctx.Done():
		return result{}, it.ctx.Err()
	case <-timeout:
		return result{}, ErrTimeout
	}

	select {
	case r := <-res:
		return r, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-timeout:
		return result{}, ErrTimeout
	}
}

// Skipped returns how many batches were dropped because of bad records.
func (it *Iterator) Skipped() int { return it.skipped }

// Close stops the workers and waits for them to exit.
func (it *Iterator) Close() {
	it.cancel()
	_ = it.g.Wait()
}
