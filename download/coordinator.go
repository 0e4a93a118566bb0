package download

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alanbriolat/m3u8dl/internal/sync_"
	"github.com/alanbriolat/m3u8dl/playlist"
)

const DefaultConcurrency = 10

// Progress is reported once for every chunk that finishes, whether it succeeded or not.
type Progress struct {
	Done    int
	Total   int
	Outcome Outcome
}

type Observer interface {
	Observe(Progress)
}

type ObserverFunc func(Progress)

func (f ObserverFunc) Observe(p Progress) {
	f(p)
}

// Coordinator runs a Downloader over every chunk of a playlist with at most Concurrency downloads in flight.
type Coordinator struct {
	Downloader  Downloader
	Dir         string
	Concurrency int
	// Observer, if set, is called in completion order and never concurrently with itself.
	Observer Observer
	Log      *zap.SugaredLogger
}

type tally struct {
	outcomes Outcomes
	done     int
}

// Run downloads every chunk into Dir, returning once all of them have finished. A failed chunk never stops the
// others; the returned Outcomes are in playlist order and must be inspected by the caller. The only error returned
// is failure to create Dir.
func (c *Coordinator) Run(ctx context.Context, chunks []playlist.Chunk) (Outcomes, error) {
	log := c.Log
	if log == nil {
		log = zap.S().Named("coordinator")
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	total := len(chunks)
	state := sync_.NewMutexed(tally{outcomes: make(Outcomes, total)})
	g := errgroup.Group{}
	g.SetLimit(c.concurrency())
	log.Debugf("downloading %d chunks with %d workers", total, c.concurrency())

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			outcome := c.download(ctx, chunk)
			if file, err := outcome.Parts(); err != nil {
				log.Warnw("chunk download failed", "url", chunk.String(), "error", err)
			} else {
				log.Debugw("chunk downloaded", "url", chunk.String(), "path", file.Path, "bytes", file.Bytes)
			}
			state.Locked(func(t *tally) {
				t.outcomes[i] = outcome
				t.done++
				if c.Observer != nil {
					c.Observer.Observe(Progress{Done: t.done, Total: total, Outcome: outcome})
				}
			})
			// Failures are data, so the group never sees an error.
			return nil
		})
	}
	_ = g.Wait()

	return state.Get().outcomes, nil
}

func (c *Coordinator) concurrency() int {
	if c.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return c.Concurrency
}

func (c *Coordinator) download(ctx context.Context, chunk playlist.Chunk) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failure(chunk, fmt.Errorf("panic: %v", r))
		}
	}()
	outcome = c.Downloader.Download(ctx, chunk, c.Dir)
	outcome.Chunk = chunk
	return outcome
}
