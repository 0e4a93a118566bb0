package util

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrHTTPStatus = errors.New("unexpected HTTP status")

// CheckResponse returns an error wrapping ErrHTTPStatus for any non-2xx response. The body is drained so the
// connection can be reused.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return fmt.Errorf("%w: %s", ErrHTTPStatus, resp.Status)
}
