package util

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/alanbriolat/m3u8dl/generic"
)

var (
	ErrNoFilename        = errors.New("cannot extract valid filename")
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
)

// Protocols are the URL schemes that can be fetched.
var Protocols = generic.NewSet("http", "https")

// FilenameFromURL returns the last path segment of the URL. The query string and fragment are ignored, so two URLs
// differing only in those will map to the same filename.
func FilenameFromURL(url *url.URL) (string, error) {
	if url == nil {
		return "", ErrNoFilename
	}
	path := strings.Trim(url.Path, "/")
	if path == "" {
		return "", ErrNoFilename
	}
	pathElements := strings.Split(path, "/")
	filename := pathElements[len(pathElements)-1]
	if filename == "" {
		return "", ErrNoFilename
	}
	// Don't allow "filenames" that are just ".", "..", etc.
	if strings.ReplaceAll(filename, ".", "") == "" {
		return "", ErrNoFilename
	}
	if strings.ContainsAny(filename, "\\\x00") {
		return "", fmt.Errorf("%w: %q", ErrNoFilename, filename)
	}
	return filename, nil
}

// ParseHTTPURL parses s as an absolute http(s) URL.
func ParseHTTPURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if err := CheckScheme(u); err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in URL %q", s)
	}
	return u, nil
}

// CheckScheme returns ErrUnsupportedScheme unless the URL is one of Protocols.
func CheckScheme(u *url.URL) error {
	if !Protocols.Contains(strings.ToLower(u.Scheme)) {
		return fmt.Errorf("%w %q, expected one of %v", ErrUnsupportedScheme, u.Scheme, generic.SortedStrings(Protocols))
	}
	return nil
}
