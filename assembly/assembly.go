// Package assembly writes the ffmpeg concat manifest that lists downloaded chunks in playback order.
//
// Playback order is recovered purely by sorting filenames, so chunk names must sort the way the playlist does
// (e.g. zero-padded sequence numbers). The in-memory playlist order is deliberately not consulted.
package assembly

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alanbriolat/m3u8dl/generic"
)

const (
	DefaultManifestName = "file_list.txt"
	directive           = "file "
)

var ErrMalformedManifest = errors.New("malformed manifest line")

// DefaultBuilder lists MPEG-TS chunks.
var DefaultBuilder = Builder{Extensions: generic.NewSet(".ts")}

type Builder struct {
	// Extensions of files to include, with the leading dot.
	Extensions generic.Set[string]
}

// List returns the names of regular files in dir with one of the Builder's extensions, sorted lexicographically.
func (b Builder) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if b.Extensions != nil && !b.Extensions.Contains(filepath.Ext(entry.Name())) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Build writes the manifest for dir to manifestPath, returning how many chunk files it lists. Running it again on
// an unchanged dir writes an identical file.
//
// Entries are absolute, because ffmpeg resolves relative entries against the manifest's directory rather than the
// working directory.
func (b Builder) Build(dir, manifestPath string) (int, error) {
	names, err := b.List(dir)
	if err != nil {
		return 0, err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	var buf bytes.Buffer
	if err := Format(&buf, absDir, names); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create manifest directory: %w", err)
	}
	if err := os.WriteFile(manifestPath, buf.Bytes(), 0644); err != nil {
		return 0, fmt.Errorf("failed to write manifest: %w", err)
	}
	return len(names), nil
}

// Build is DefaultBuilder.Build.
func Build(dir, manifestPath string) (int, error) {
	return DefaultBuilder.Build(dir, manifestPath)
}

// Format writes one "file '<dir>/<name>'" line per name, in the order given.
func Format(w io.Writer, dir string, names []string) error {
	bw := bufio.NewWriter(w)
	for _, name := range names {
		if _, err := fmt.Fprintf(bw, "%s%s\n", directive, quote(filepath.Join(dir, name))); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ParseManifest is the inverse of Format, returning the listed paths in order. Blank lines and "#" comments are
// skipped, as ffmpeg does.
func ParseManifest(r io.Reader) ([]string, error) {
	var paths []string
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, directive) {
			return nil, fmt.Errorf("%w %d: %q", ErrMalformedManifest, lineNo, line)
		}
		path, err := unquote(strings.TrimSpace(strings.TrimPrefix(line, directive)))
		if err != nil {
			return nil, fmt.Errorf("%w %d: %v", ErrMalformedManifest, lineNo, err)
		}
		paths = append(paths, path)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}

// quote wraps s in single quotes, escaping embedded quotes the way a POSIX shell does.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unquote(s string) (string, error) {
	if s == "" {
		return "", errors.New("missing path")
	}
	var b strings.Builder
	for len(s) > 0 {
		switch {
		case s[0] == '\'':
			end := strings.IndexByte(s[1:], '\'')
			if end < 0 {
				return "", errors.New("unterminated quote")
			}
			b.WriteString(s[1 : end+1])
			s = s[end+2:]
		case strings.HasPrefix(s, `\'`):
			b.WriteByte('\'')
			s = s[2:]
		default:
			return "", fmt.Errorf("unexpected %q", s)
		}
	}
	return b.String(), nil
}
