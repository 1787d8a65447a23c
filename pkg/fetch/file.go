package fetch

import (
	"context"
	"io"
	"os"

	"github.com/nimbleos/otad/pkg/errors"
)

// fileSource serves a payload from the local filesystem, including a
// payload embedded at an offset inside a larger file (zip member or an
// inherited file descriptor path under /proc).
type fileSource struct {
	f      *os.File
	base   int64
	length int64
}

func newFileSource(path string, opts Options) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithCode(errors.DownloadTransferError,
			errors.Wrap(err, "failed to open payload file"))
	}

	length := opts.Length
	if length == 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "failed to stat payload file")
		}
		length = info.Size() - opts.Offset
	}

	return &fileSource{f: f, base: opts.Offset, length: length}, nil
}

func (s *fileSource) OpenAt(ctx context.Context, offset int64) (io.ReadCloser, error) {
	if offset > s.length {
		offset = s.length
	}
	section := io.NewSectionReader(s.f, s.base+offset, s.length-offset)
	return io.NopCloser(section), nil
}

func (s *fileSource) Size(ctx context.Context) (int64, error) {
	return s.length, nil
}

func (s *fileSource) Close() error { return s.f.Close() }
