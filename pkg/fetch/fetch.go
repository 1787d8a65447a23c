// Package fetch provides payload byte sources. A source hands out
// readers positioned at an arbitrary payload offset, which is what both
// fresh downloads and checkpoint resume need. Transient read failures
// are retried with bounded exponential backoff before surfacing
// DownloadTransferError.
package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nimbleos/otad/pkg/errors"
)

// Source produces readers over one payload.
type Source interface {
	// OpenAt returns a reader positioned offset bytes into the payload.
	OpenAt(ctx context.Context, offset int64) (io.ReadCloser, error)

	// Size returns the payload size in bytes, or -1 when unknown.
	Size(ctx context.Context) (int64, error)

	Close() error
}

// Options configures source construction.
type Options struct {
	// Offset and Length bound the payload inside a larger file (zip
	// member installs). Zero length means to the end.
	Offset int64
	Length int64

	// IdleTimeout bounds how long an HTTP(S) request waits for the
	// response headers. Reads of the response body, and the s3:// source,
	// are not bounded by it.
	IdleTimeout time.Duration

	// UserAgent is sent on HTTP requests when set.
	UserAgent string

	// S3Region configures the s3:// source.
	S3Region string
}

// NewSource builds a source for a payload URL. Supported schemes:
// http(s)://, s3://, file:// and bare filesystem paths.
func NewSource(ctx context.Context, rawURL string, opts Options) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.WithCode(errors.DownloadTransferError,
			errors.Wrap(err, "malformed payload url"))
	}

	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		return newHTTPSource(rawURL, opts), nil
	case u.Scheme == "s3":
		return newS3Source(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), opts)
	case u.Scheme == "file":
		return newFileSource(u.Path, opts)
	default:
		return newFileSource(rawURL, opts)
	}
}

// retrySchedule is the bounded exponential backoff applied to transient
// transport errors.
func retrySchedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)
}

// resumingReader reads sequentially from a source, transparently
// reopening at the current offset after a transient failure.
type resumingReader struct {
	ctx    context.Context
	source Source
	offset int64
	r      io.ReadCloser
}

// NewResumingReader returns a reader over source starting at offset that
// survives transient read errors by reopening with backoff.
func NewResumingReader(ctx context.Context, source Source, offset int64) io.ReadCloser {
	return &resumingReader{ctx: ctx, source: source, offset: offset}
}

func (r *resumingReader) Read(p []byte) (int, error) {
	var n int
	op := func() error {
		if r.r == nil {
			reader, err := r.source.OpenAt(r.ctx, r.offset)
			if err != nil {
				return err
			}
			r.r = reader
		}

		var err error
		n, err = r.r.Read(p)
		r.offset += int64(n)
		if n > 0 {
			// Deliver what we have; a failed reader is reopened on the
			// next call at the advanced offset.
			if err != nil && err != io.EOF {
				slog.Warn("payload_read_error", "offset", r.offset, "error", err)
				r.r.Close()
				r.r = nil
			}
			return nil
		}
		if err == io.EOF {
			return backoff.Permanent(err)
		}
		if err != nil {
			slog.Warn("payload_read_error", "offset", r.offset, "error", err)
			r.r.Close()
			r.r = nil
			return err
		}
		return nil
	}

	err := backoff.Retry(op, retrySchedule(r.ctx))
	if perm, ok := err.(*backoff.PermanentError); ok {
		err = perm.Unwrap()
	}
	if err == io.EOF {
		return n, io.EOF
	}
	if err != nil {
		return n, errors.WithCode(errors.DownloadTransferError,
			errors.Wrap(err, "payload read failed after retries"))
	}
	return n, nil
}

func (r *resumingReader) Close() error {
	if r.r != nil {
		return r.r.Close()
	}
	return nil
}
