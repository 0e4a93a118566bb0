// Package download saves playlist chunks to a working directory, one HTTP request per chunk, over a bounded pool of
// workers.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/alanbriolat/m3u8dl/generic"
	"github.com/alanbriolat/m3u8dl/playlist"
	"github.com/alanbriolat/m3u8dl/util"
)

// A Downloader saves one chunk into dir. It never returns a Go error: failures are reported in the Outcome.
type Downloader interface {
	Download(ctx context.Context, chunk playlist.Chunk, dir string) Outcome
}

// File is a chunk saved to disk.
type File struct {
	Path  string
	Bytes int64
}

// ChunkError is the cause of a failed chunk download.
type ChunkError struct {
	Chunk playlist.Chunk
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("failed to download %s: %v", e.Chunk, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Outcome is the result of downloading a single chunk: either a File, or a *ChunkError.
type Outcome struct {
	Chunk playlist.Chunk
	generic.Result[File]
}

func Success(chunk playlist.Chunk, file File) Outcome {
	return Outcome{Chunk: chunk, Result: generic.Ok(file)}
}

func Failure(chunk playlist.Chunk, err error) Outcome {
	if _, ok := err.(*ChunkError); !ok {
		err = &ChunkError{Chunk: chunk, Err: err}
	}
	return Outcome{Chunk: chunk, Result: generic.Err[File](err)}
}

// Outcomes holds one Outcome per chunk, in playlist order.
type Outcomes []Outcome

func (o Outcomes) Succeeded() []Outcome {
	var res []Outcome
	for _, outcome := range o {
		if outcome.IsOk() {
			res = append(res, outcome)
		}
	}
	return res
}

func (o Outcomes) Failed() []Outcome {
	var res []Outcome
	for _, outcome := range o {
		if outcome.IsErr() {
			res = append(res, outcome)
		}
	}
	return res
}

// Bytes is the total size of all successfully downloaded chunks.
func (o Outcomes) Bytes() int64 {
	var total int64
	for _, outcome := range o {
		total += outcome.UnwrapOr(File{}).Bytes
	}
	return total
}

// Err aggregates every failure into a single error, or returns nil if there were none.
func (o Outcomes) Err() error {
	var result error
	for _, outcome := range o.Failed() {
		result = multierror.Append(result, outcome.Error)
	}
	return result
}

// HTTPDownloader fetches chunks with a shared http.Client.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader creates an HTTPDownloader using client, or http.DefaultClient if client is nil. The client is
// only read, so one HTTPDownloader can serve any number of concurrent downloads.
func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{client: client}
}

func (d *HTTPDownloader) Download(ctx context.Context, chunk playlist.Chunk, dir string) Outcome {
	file, err := d.save(ctx, chunk, dir)
	if err != nil {
		return Failure(chunk, err)
	}
	return Success(chunk, file)
}

func (d *HTTPDownloader) save(ctx context.Context, chunk playlist.Chunk, dir string) (File, error) {
	filename, err := chunk.Filename()
	if err != nil {
		return File{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunk.String(), nil)
	if err != nil {
		return File{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return File{}, err
	}
	defer resp.Body.Close()
	if err := util.CheckResponse(resp); err != nil {
		return File{}, err
	}

	target := filepath.Join(dir, filename)
	f, err := os.Create(target)
	if err != nil {
		return File{}, fmt.Errorf("failed to open target file: %w", err)
	}
	n, err := io.Copy(f, util.ContextReader(ctx, resp.Body))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(target)
		return File{}, fmt.Errorf("failed to save stream: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(target)
		return File{}, fmt.Errorf("failed to close target file: %w", err)
	}
	return File{Path: target, Bytes: n}, nil
}
