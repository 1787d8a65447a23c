package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePayloadFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	return path
}

func TestFileSource_OpenAt(t *testing.T) {
	path := writePayloadFile(t, []byte("0123456789"))

	src, err := NewSource(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	defer src.Close()

	size, _ := src.Size(context.Background())
	if size != 10 {
		t.Errorf("size = %d, want 10", size)
	}

	r, err := src.OpenAt(context.Background(), 4)
	if err != nil {
		t.Fatalf("OpenAt failed: %v", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "456789" {
		t.Errorf("read %q, want \"456789\"", got)
	}
}

func TestFileSource_EmbeddedOffset(t *testing.T) {
	path := writePayloadFile(t, []byte("xxPAYLOADyy"))

	src, err := NewSource(context.Background(), path, Options{Offset: 2, Length: 7})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	defer src.Close()

	r, _ := src.OpenAt(context.Background(), 0)
	got, _ := io.ReadAll(r)
	if string(got) != "PAYLOAD" {
		t.Errorf("read %q, want \"PAYLOAD\"", got)
	}
}

func TestHTTPSource_RangeResume(t *testing.T) {
	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload.bin", time.Time{}, newSeeker(payload))
	}))
	defer server.Close()

	src, err := NewSource(context.Background(), server.URL, Options{})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	defer src.Close()

	r, err := src.OpenAt(context.Background(), 20)
	if err != nil {
		t.Fatalf("OpenAt failed: %v", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "uvwxyz" {
		t.Errorf("ranged read = %q, want \"uvwxyz\"", got)
	}
}

func TestResumingReader_SurvivesTransientError(t *testing.T) {
	// A source whose first reader dies mid-stream.
	src := &flakySource{data: []byte("hello world"), failAfter: 5}

	r := NewResumingReader(context.Background(), src, 0)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("read %q, want \"hello world\"", got)
	}
	if src.opens < 2 {
		t.Errorf("expected reopen after failure, opens = %d", src.opens)
	}
}

// flakySource fails its first reader after failAfter bytes.
type flakySource struct {
	data      []byte
	failAfter int
	opens     int
}

func (s *flakySource) OpenAt(ctx context.Context, offset int64) (io.ReadCloser, error) {
	s.opens++
	failAt := -1
	if s.opens == 1 {
		failAt = s.failAfter
	}
	return &flakyReader{data: s.data[offset:], failAt: failAt}, nil
}

func (s *flakySource) Size(ctx context.Context) (int64, error) { return int64(len(s.data)), nil }
func (s *flakySource) Close() error                            { return nil }

type flakyReader struct {
	data   []byte
	pos    int
	failAt int
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if r.failAt >= 0 && r.pos >= r.failAt {
		return 0, errors.New("connection reset")
	}
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := len(r.data)
	if r.failAt >= 0 && r.failAt < end {
		end = r.failAt
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	if n == 0 {
		return 0, errors.New("connection reset")
	}
	return n, nil
}

func (r *flakyReader) Close() error { return nil }

// Minimal io.ReadSeeker over a byte slice for http.ServeContent.
type byteSeeker struct {
	data []byte
	pos  int64
}

func newSeeker(data []byte) *byteSeeker { return &byteSeeker{data: data} }

func (b *byteSeeker) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *byteSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		b.pos = offset
	case io.SeekCurrent:
		b.pos += offset
	case io.SeekEnd:
		b.pos = int64(len(b.data)) + offset
	}
	return b.pos, nil
}
