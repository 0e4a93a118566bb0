// Package playlist fetches a single-rendition M3U8 playlist and resolves its entries into chunk URLs.
package playlist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/alanbriolat/m3u8dl/util"
)

// DirectiveMarker starts every line that is a playlist directive (or comment) rather than a URI.
const DirectiveMarker = "#"

const (
	maxLineLength    = 1024 * 1024
	streamInfoPrefix = "#EXT-X-STREAM-INF"
)

var (
	ErrEmptyPlaylist  = errors.New("playlist contains no chunks")
	ErrMasterPlaylist = errors.New("master (multi-variant) playlists are not supported")
)

// A Chunk is one playlist entry resolved against the playlist URL.
type Chunk struct {
	// Position among the playlist's URI lines, which is also playback order.
	Index int
	URL   *url.URL
}

func (c Chunk) String() string {
	if c.URL == nil {
		return ""
	}
	return c.URL.String()
}

// Filename is the name the chunk is saved under, taken from the last segment of its URL path.
func (c Chunk) Filename() (string, error) {
	return util.FilenameFromURL(c.URL)
}

// FetchError is returned when the playlist cannot be retrieved or yields no usable chunks.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch playlist %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Fetcher struct {
	client *http.Client
	log    *zap.SugaredLogger
}

// NewFetcher creates a Fetcher using client, or http.DefaultClient if client is nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client: client,
		log:    zap.S().Named("playlist"),
	}
}

// WithLogger replaces the Fetcher's logger.
func (f *Fetcher) WithLogger(log *zap.SugaredLogger) *Fetcher {
	f.log = log
	return f
}

// Fetch performs a single GET of rawURL and returns the chunks it lists, in playlist order. Every failure is a
// *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]Chunk, error) {
	wrap := func(err error) error {
		return &FetchError{URL: rawURL, Err: err}
	}

	base, err := util.ParseHTTPURL(rawURL)
	if err != nil {
		return nil, wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, wrap(fmt.Errorf("failed to create request: %w", err))
	}
	f.log.Debugf("fetching playlist %s", base)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, wrap(err)
	}
	defer resp.Body.Close()
	if err := util.CheckResponse(resp); err != nil {
		return nil, wrap(err)
	}

	// Relative entries resolve against the final URL after any redirects.
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	chunks, err := Parse(base, resp.Body)
	if err != nil {
		return nil, wrap(err)
	}
	if len(chunks) == 0 {
		return nil, wrap(ErrEmptyPlaylist)
	}
	f.log.Debugf("playlist %s lists %d chunks", base, len(chunks))
	return chunks, nil
}

// Parse reads playlist text from r, resolving every URI line against base. Blank lines and lines starting with
// DirectiveMarker are skipped.
func Parse(base *url.URL, r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, DirectiveMarker) {
			if strings.HasPrefix(line, streamInfoPrefix) {
				return nil, ErrMasterPlaylist
			}
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid URI %q: %w", lineNo, line, err)
		}
		resolved := base.ResolveReference(ref)
		if err := util.CheckScheme(resolved); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), URL: resolved})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	return chunks, nil
}
