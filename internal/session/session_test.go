package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/m3u8dl/assembly"
	"github.com/alanbriolat/m3u8dl/download"
	"github.com/alanbriolat/m3u8dl/encode"
	"github.com/alanbriolat/m3u8dl/playlist"
	"github.com/alanbriolat/m3u8dl/util"
)

// fakeEncoder records each job along with the manifest contents at the time it ran, and any entries that ffmpeg
// would fail to open.
type fakeEncoder struct {
	jobs       []encode.Job
	manifests  [][]string
	unresolved []string
	err        error
}

func (e *fakeEncoder) Run(_ context.Context, job encode.Job) error {
	e.jobs = append(e.jobs, job)
	f, err := os.Open(job.Manifest)
	if err != nil {
		return err
	}
	defer f.Close()
	paths, err := assembly.ParseManifest(f)
	if err != nil {
		return err
	}
	var names []string
	for _, path := range paths {
		names = append(names, filepath.Base(path))
		// The concat demuxer resolves relative entries against the manifest's directory.
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(job.Manifest), path)
		}
		if _, err := os.Stat(path); err != nil {
			e.unresolved = append(e.unresolved, path)
		}
	}
	e.manifests = append(e.manifests, names)
	return e.err
}

type memoryDatabase struct {
	mu     sync.Mutex
	writes int
	runs   map[RunID]RunRecord
}

func (d *memoryDatabase) ListRuns() ([]RunRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var runs []RunRecord
	for _, r := range d.runs {
		runs = append(runs, r)
	}
	return runs, nil
}

func (d *memoryDatabase) WriteRun(r *RunRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runs == nil {
		d.runs = make(map[RunID]RunRecord)
	}
	d.writes++
	d.runs[r.ID] = *r
	return nil
}

func (d *memoryDatabase) DeleteRun(id RunID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.runs[id]; !ok {
		return ErrRunNotFound
	}
	delete(d.runs, id)
	return nil
}

// playlistServer serves /path/playlist.m3u8 listing seg000.ts..seg(n-1).ts; any chunk in missing returns 404.
func playlistServer(n int, missing ...string) *httptest.Server {
	gone := map[string]bool{}
	for _, m := range missing {
		gone[m] = true
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/path/")
		switch {
		case name == "playlist.m3u8":
			var b strings.Builder
			b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:4\n")
			for i := 0; i < n; i++ {
				fmt.Fprintf(&b, "#EXTINF:4.0,\nseg%03d.ts\n", i)
			}
			b.WriteString("#EXT-X-ENDLIST\n")
			_, _ = w.Write([]byte(b.String()))
		case gone[name]:
			http.NotFound(w, r)
		case strings.HasSuffix(name, ".ts"):
			_, _ = w.Write([]byte("chunk " + name))
		default:
			http.NotFound(w, r)
		}
	}))
}

type fixture struct {
	server  *httptest.Server
	encoder *fakeEncoder
	db      *memoryDatabase
	config  Config
}

func newFixture(t *testing.T, n int, missing ...string) *fixture {
	server := playlistServer(n, missing...)
	t.Cleanup(server.Close)
	root := t.TempDir()
	f := &fixture{server: server, encoder: &fakeEncoder{}, db: &memoryDatabase{}}
	f.config = DefaultConfig
	f.config.WorkDir = filepath.Join(root, "output")
	f.config.ManifestPath = filepath.Join(root, "file_list.txt")
	f.config.Output = filepath.Join(root, "output.mp4")
	f.config.Concurrency = 3
	f.config.Fetcher = playlist.NewFetcher(server.Client())
	f.config.Downloader = download.NewHTTPDownloader(server.Client())
	f.config.Encoder = f.encoder
	f.config.Database = f.db
	return f
}

func (f *fixture) url() string {
	return f.server.URL + "/path/playlist.m3u8"
}

func (f *fixture) run(t *testing.T) (RunRecord, error) {
	s, err := New(f.config)
	require_.NoError(t, err)
	defer s.Close()
	return s.Run(context.Background(), f.url())
}

func assertNotExist(t *testing.T, path string) {
	_, err := os.Stat(path)
	assert_.True(t, os.IsNotExist(err), "%s should not exist", path)
}

func TestRunEndToEnd(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 3)

	record, err := f.run(t)
	require_.NoError(t, err)
	assert.Equal(RunStatusComplete, record.Status)
	assert.Equal(3, record.Chunks)
	assert.Equal(3, record.Downloaded)
	assert.Equal(0, record.Failed)
	assert.EqualValues(3*len("chunk seg000.ts"), record.Bytes)
	assert.False(record.FinishedAt.IsZero())

	require_.Len(t, f.encoder.jobs, 1)
	job := f.encoder.jobs[0]
	assert.Equal(f.config.ManifestPath, job.Manifest)
	assert.Equal(f.config.Output, job.Output)
	assert.Equal(encode.ModeCopy, job.Mode)
	assert.Contains(strings.Join(encode.Args(job), " "), "-c copy")
	assert.Equal([]string{"seg000.ts", "seg001.ts", "seg002.ts"}, f.encoder.manifests[0])
	assert.Empty(f.encoder.unresolved)

	// Cleanup removes both the working directory and the manifest
	assertNotExist(t, f.config.WorkDir)
	assertNotExist(t, f.config.ManifestPath)

	runs, err := f.db.ListRuns()
	assert.NoError(err)
	require_.Len(t, runs, 1)
	assert.Equal(record.ID, runs[0].ID)
	assert.Equal(RunStatusComplete, runs[0].Status)
}

func TestRunReencode(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 2)
	f.config.Mode = encode.ModeReencode
	f.config.Overwrite = true

	record, err := f.run(t)
	require_.NoError(t, err)
	assert.Equal("reencode", record.Mode)
	require_.Len(t, f.encoder.jobs, 1)
	args := encode.Args(f.encoder.jobs[0])
	assert.Equal("-y", args[0])
	assert.Contains(strings.Join(args, " "), "-c:v libx264 -crf 23 -preset medium -c:a aac -b:a 128k")
}

func TestRunAdvisoryFailures(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 5, "seg001.ts", "seg003.ts")

	record, err := f.run(t)
	require_.NoError(t, err)
	assert.Equal(RunStatusComplete, record.Status)
	assert.Equal(5, record.Chunks)
	assert.Equal(3, record.Downloaded)
	assert.Equal(2, record.Failed)
	assert.ElementsMatch([]string{f.server.URL + "/path/seg001.ts", f.server.URL + "/path/seg003.ts"}, record.FailedURLs)
	require_.Len(t, f.encoder.manifests, 1)
	assert.Equal([]string{"seg000.ts", "seg002.ts", "seg004.ts"}, f.encoder.manifests[0])
}

func TestRunStrictFailures(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 4, "seg002.ts")
	f.config.Strict = true

	record, err := f.run(t)
	assert.ErrorIs(err, ErrChunkFailures)
	assert.ErrorIs(err, util.ErrHTTPStatus)
	assert.Equal(RunStatusError, record.Status)
	assert.Equal(1, record.Failed)
	assert.Empty(f.encoder.jobs, "encoder must not run after a strict failure")
	assertNotExist(t, f.config.WorkDir)
}

func TestRunAllChunksFail(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 2, "seg000.ts", "seg001.ts")

	record, err := f.run(t)
	assert.ErrorIs(err, ErrNoChunks)
	assert.Equal(RunStatusError, record.Status)
	assert.Empty(f.encoder.jobs)
}

func TestRunFetchError(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 2)
	s, err := New(f.config)
	require_.NoError(t, err)
	defer s.Close()

	record, err := s.Run(context.Background(), f.server.URL+"/path/missing.m3u8")
	var fetchErr *playlist.FetchError
	assert.True(errors.As(err, &fetchErr))
	assert.Equal(RunStatusError, record.Status)
	assert.NotEmpty(record.Error)
	assert.Empty(f.encoder.jobs)
	assertNotExist(t, f.config.WorkDir)
}

func TestRunEncodeError(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 2)
	f.encoder.err = &encode.EncodeError{Binary: "ffmpeg", ExitCode: 1, Stderr: "boom"}

	record, err := f.run(t)
	var encodeErr *encode.EncodeError
	assert.True(errors.As(err, &encodeErr))
	assert.Equal(RunStatusError, record.Status)
	assert.Equal("ffmpeg exited with status 1", record.Error)
	// Cleanup still happens after a failed encode
	assertNotExist(t, f.config.WorkDir)
	assertNotExist(t, f.config.ManifestPath)
}

func TestRunKeep(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 2)
	f.config.Keep = true

	_, err := f.run(t)
	require_.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.config.WorkDir, "seg000.ts"))
	assert.NoError(err)
	_, err = os.Stat(f.config.ManifestPath)
	assert.NoError(err)
}

func TestRunRelativeWorkDirManifestInSubdir(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 3)
	root := t.TempDir()
	old, err := os.Getwd()
	require_.NoError(t, err)
	require_.NoError(t, os.Chdir(root))
	t.Cleanup(func() { _ = os.Chdir(old) })
	f.config.WorkDir = "output"
	f.config.ManifestPath = filepath.Join("lists", "file_list.txt")
	f.config.Output = "output.mp4"

	_, err = f.run(t)
	require_.NoError(t, err)
	require_.Len(t, f.encoder.manifests, 1)
	assert.Equal([]string{"seg000.ts", "seg001.ts", "seg002.ts"}, f.encoder.manifests[0])
	assert.Empty(f.encoder.unresolved)
	assertNotExist(t, "output")
	assertNotExist(t, f.config.ManifestPath)
}

func TestRunPreexistingWorkDir(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 2)
	require_.NoError(t, os.MkdirAll(f.config.WorkDir, 0755))
	unrelated := filepath.Join(f.config.WorkDir, "notes.txt")
	require_.NoError(t, os.WriteFile(unrelated, []byte("keep me"), 0644))

	_, err := f.run(t)
	require_.NoError(t, err)
	_, err = os.Stat(unrelated)
	assert.NoError(err, "files not written by the run must survive cleanup")
	assertNotExist(t, filepath.Join(f.config.WorkDir, "seg000.ts"))
}

func TestRunEvents(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t, 4, "seg001.ts")
	s, err := New(f.config)
	require_.NoError(t, err)

	sub, err := s.Subscribe()
	require_.NoError(t, err)
	var events []Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range sub.Receive() {
			events = append(events, e)
		}
	}()

	record, err := s.Run(context.Background(), f.url())
	require_.NoError(t, err)
	s.Close()
	wg.Wait()

	require_.NotEmpty(t, events)
	started, ok := events[0].(RunStarted)
	assert.True(ok, "first event should be RunStarted")
	assert.Equal(f.url(), started.URL)
	finished, ok := events[len(events)-1].(RunFinished)
	assert.True(ok, "last event should be RunFinished")
	assert.NoError(finished.Err)
	assert.Equal(record.ID, finished.Record.ID)

	var statuses []RunStatus
	var progress []download.Progress
	for _, e := range events {
		assert.Equal(record.ID, e.RunID())
		switch e := e.(type) {
		case RunUpdated:
			if e.OldState.Status != e.NewState.Status {
				statuses = append(statuses, e.NewState.Status)
			}
		case ChunkDone:
			progress = append(progress, e.Progress)
		}
	}
	assert.Equal([]RunStatus{
		RunStatusFetching,
		RunStatusDownloading,
		RunStatusAssembling,
		RunStatusEncoding,
		RunStatusComplete,
	}, statuses)
	require_.Len(t, progress, 4)
	for i, p := range progress {
		assert.Equal(i+1, p.Done)
		assert.Equal(4, p.Total)
	}
}

func TestNewValidation(t *testing.T) {
	assert := assert_.New(t)
	config := DefaultConfig
	config.Output = ""
	_, err := New(config)
	assert.ErrorIs(err, ErrInvalidConfig)

	s, err := New(Config{WorkDir: "w", ManifestPath: "m", Output: "o"})
	assert.NoError(err)
	assert.NotNil(s.config.Fetcher)
	assert.NotNil(s.config.Downloader)
	assert.NotNil(s.config.Encoder)
	assert.NotNil(s.config.Database)
	runs, err := s.ListRuns()
	assert.NoError(err)
	assert.Empty(runs)
	s.Close()
}

func TestRunStatus(t *testing.T) {
	assert := assert_.New(t)
	assert.True(RunStatusDownloading.IsRunning())
	assert.False(RunStatusComplete.IsRunning())
	assert.False(RunStatusNew.IsRunning())
	assert.NotEqual(NewRunID(), NewRunID())
}
