package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/r3labs/diff/v3"
	"go.uber.org/zap"

	"github.com/alanbriolat/m3u8dl/assembly"
	"github.com/alanbriolat/m3u8dl/download"
	"github.com/alanbriolat/m3u8dl/encode"
	"github.com/alanbriolat/m3u8dl/internal/pubsub"
	"github.com/alanbriolat/m3u8dl/playlist"
)

var (
	ErrChunkFailures = errors.New("chunk downloads failed")
	ErrNoChunks      = errors.New("no chunks were downloaded")
	ErrInvalidConfig = errors.New("invalid session config")
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]playlist.Chunk, error)
}

type Encoder interface {
	Run(ctx context.Context, job encode.Job) error
}

type Config struct {
	WorkDir      string
	ManifestPath string
	Output       string
	Mode         encode.Mode
	Overwrite    bool
	Concurrency  int
	// Strict makes any failed chunk fatal to the run; otherwise failures are only reported.
	Strict bool
	// Keep leaves the working directory and manifest in place after the run.
	Keep bool

	Assembler  assembly.Builder
	Fetcher    Fetcher
	Downloader download.Downloader
	Encoder    Encoder
	Database   Database
}

var DefaultConfig = Config{
	WorkDir:      "output",
	ManifestPath: assembly.DefaultManifestName,
	Output:       "output.mp4",
	Mode:         encode.ModeCopy,
	Concurrency:  download.DefaultConcurrency,
	Assembler:    assembly.DefaultBuilder,
	Database:     NilDatabase{},
}

// Session runs the fetch, download, assemble and encode stages for each playlist URL it is given, publishing an
// Event stream that describes each run.
type Session struct {
	config Config
	log    *zap.SugaredLogger
	events pubsub.Publisher[Event]
}

func New(config Config) (*Session, error) {
	if config.WorkDir == "" || config.ManifestPath == "" || config.Output == "" {
		return nil, fmt.Errorf("%w: work dir, manifest and output paths are required", ErrInvalidConfig)
	}
	if config.Fetcher == nil {
		config.Fetcher = playlist.NewFetcher(nil)
	}
	if config.Downloader == nil {
		config.Downloader = download.NewHTTPDownloader(nil)
	}
	if config.Encoder == nil {
		config.Encoder = encode.NewEncoder("")
	}
	if config.Database == nil {
		config.Database = NilDatabase{}
	}
	if config.Assembler.Extensions == nil {
		config.Assembler = assembly.DefaultBuilder
	}
	s := &Session{
		config: config,
		log:    zap.S().Named("session"),
		events: pubsub.NewPublisher[Event](),
	}
	return s, nil
}

func (s *Session) Subscribe() (Subscription, error) {
	return s.events.Subscribe()
}

// ListRuns returns the run history, newest first.
func (s *Session) ListRuns() ([]RunRecord, error) {
	return s.config.Database.ListRuns()
}

// Close ends the event stream, closing all subscribers.
func (s *Session) Close() {
	s.events.Close()
}

// Run processes one playlist URL through every stage in turn. The returned RunRecord describes the run whether or
// not it succeeded.
func (s *Session) Run(ctx context.Context, playlistURL string) (RunRecord, error) {
	id := NewRunID()
	r := &run{
		session: s,
		log:     s.log.With("run_id", id),
		record: RunRecord{
			ID:        id,
			URL:       playlistURL,
			Output:    s.config.Output,
			Mode:      s.config.Mode.String(),
			Status:    RunStatusNew,
			StartedAt: time.Now(),
		},
	}
	s.events.Send(RunStarted{runEvent{id}, playlistURL})
	r.persist()

	err := r.execute(ctx)
	r.finish(err)
	return r.record.clone(), err
}

type run struct {
	session *Session
	log     *zap.SugaredLogger
	record  RunRecord
	// Set when the working directory existed before the run, so only our own files get cleaned up.
	preexisting bool
	outcomes    download.Outcomes
}

func (r *run) execute(ctx context.Context) error {
	cfg := r.session.config

	r.setStatus(RunStatusFetching)
	r.log.Infof("Fetching playlist %s", r.record.URL)
	chunks, err := cfg.Fetcher.Fetch(ctx, r.record.URL)
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.WorkDir); err == nil {
		r.preexisting = true
	}
	defer r.cleanup()

	r.update(func(rec *RunRecord) {
		rec.Status = RunStatusDownloading
		rec.Chunks = len(chunks)
	})
	r.log.Infof("Downloading %d chunks", len(chunks))
	coordinator := download.Coordinator{
		Downloader:  cfg.Downloader,
		Dir:         cfg.WorkDir,
		Concurrency: cfg.Concurrency,
		Observer:    download.ObserverFunc(r.chunkDone),
		Log:         r.session.log.Named("coordinator").With("run_id", r.record.ID),
	}
	r.outcomes, err = coordinator.Run(ctx, chunks)
	if err != nil {
		return err
	}
	failed := r.outcomes.Failed()
	r.update(func(rec *RunRecord) {
		rec.Downloaded = len(r.outcomes.Succeeded())
		rec.Failed = len(failed)
		rec.Bytes = r.outcomes.Bytes()
		rec.FailedURLs = nil
		for _, outcome := range failed {
			rec.FailedURLs = append(rec.FailedURLs, outcome.Chunk.String())
		}
	})
	if len(failed) > 0 {
		r.log.Warnf("%d of %d chunks failed to download", len(failed), len(chunks))
		if cfg.Strict {
			return fmt.Errorf("%w: %w", ErrChunkFailures, r.outcomes.Err())
		}
	}
	if r.record.Downloaded == 0 {
		return ErrNoChunks
	}
	r.log.Infof("Downloaded %d chunks (%s) to the '%s' folder", r.record.Downloaded,
		humanize.Bytes(uint64(r.record.Bytes)), cfg.WorkDir)

	r.setStatus(RunStatusAssembling)
	listed, err := cfg.Assembler.Build(cfg.WorkDir, cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to build manifest: %w", err)
	}
	if listed == 0 {
		return ErrNoChunks
	}
	r.log.Infof("Created %s with %d files listed", cfg.ManifestPath, listed)

	r.setStatus(RunStatusEncoding)
	job := encode.NewJob(cfg.ManifestPath, cfg.Output, cfg.Mode)
	job.Overwrite = cfg.Overwrite
	if err := cfg.Encoder.Run(ctx, job); err != nil {
		return err
	}
	if cfg.Mode == encode.ModeReencode {
		r.log.Infof("Video compressed using %s and %s audio.", encode.VideoCodec, encode.AudioCodec)
	}
	return nil
}

func (r *run) finish(err error) {
	r.update(func(rec *RunRecord) {
		rec.FinishedAt = time.Now()
		if err != nil {
			rec.Status = RunStatusError
			rec.Error = err.Error()
		} else {
			rec.Status = RunStatusComplete
		}
	})
	r.session.events.Send(RunFinished{runEvent{r.record.ID}, r.record.clone(), err})
}

// cleanup removes the manifest and the working directory. A working directory that existed before the run is kept,
// and only the chunk files this run wrote are removed from it.
func (r *run) cleanup() {
	cfg := r.session.config
	if cfg.Keep {
		r.log.Infof("Keeping %s and %s", cfg.WorkDir, cfg.ManifestPath)
		return
	}
	if r.preexisting {
		for _, outcome := range r.outcomes.Succeeded() {
			if err := os.Remove(outcome.Value.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				r.log.Warnf("failed to remove %s: %v", outcome.Value.Path, err)
			}
		}
	} else if err := os.RemoveAll(cfg.WorkDir); err != nil {
		r.log.Warnf("failed to remove %s: %v", cfg.WorkDir, err)
	}
	if err := os.Remove(cfg.ManifestPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.log.Warnf("failed to remove %s: %v", cfg.ManifestPath, err)
	}
}

func (r *run) chunkDone(p download.Progress) {
	r.session.events.Send(ChunkDone{runEvent{r.record.ID}, p})
}

func (r *run) setStatus(status RunStatus) {
	r.update(func(rec *RunRecord) {
		rec.Status = status
	})
}

func (r *run) update(f func(rec *RunRecord)) {
	old := r.record.clone()
	f(&r.record)
	if diff.Changed(old, r.record) {
		r.session.events.Send(RunUpdated{runEvent{r.record.ID}, old, r.record.clone()})
		r.persist()
	}
}

func (r *run) persist() {
	rec := r.record.clone()
	if err := r.session.config.Database.WriteRun(&rec); err != nil {
		r.log.Warnf("failed to save run history: %v", err)
	}
}
