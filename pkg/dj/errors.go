package dj

import (
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	upstreamExcerptLen    = 200
	unparseableExcerptLen = 100

	// errorBodyLimit bounds how much of an error page is read at all.
	errorBodyLimit = 4096
)

// UpstreamError is returned when a DoH server answers with a non-2xx
// status.
type UpstreamError struct {
	Status int
	Body   string // first 200 characters of the response body
}

// NewUpstreamError reads a bounded excerpt of body into an UpstreamError.
func NewUpstreamError(status int, body io.Reader) *UpstreamError {
	var b []byte
	if body != nil {
		b, _ = io.ReadAll(io.LimitReader(body, errorBodyLimit))
	}

	return &UpstreamError{
		Status: status,
		Body:   excerpt(b, upstreamExcerptLen),
	}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("DoH error (%d): %s", e.Status, e.Body)
}

// UnparseableError is returned when a DoH server answers 2xx with a body
// that is not JSON.
type UnparseableError struct {
	ContentType string
	Body        string // first 100 characters of the response body
	Err         error
}

func (e *UnparseableError) Error() string {
	return fmt.Sprintf("cannot parse response as JSON: %s", e.Body)
}

func (e *UnparseableError) Unwrap() error {
	return e.Err
}

// excerpt returns at most n characters of b.
func excerpt(b []byte, n int) string {
	if utf8.RuneCount(b) <= n {
		return string(b)
	}

	count := 0
	for i := range string(b) {
		if count == n {
			return string(b[:i])
		}
		count++
	}

	return string(b)
}
