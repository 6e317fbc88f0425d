package playlist

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// MaxPlaylistBytes caps how much of a playlist body is buffered for rewriting.
const MaxPlaylistBytes = 16 << 20

var (
	// ErrUnsupportedEncoding is returned for a Content-Encoding that cannot be decoded.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")

	// ErrTooLarge is returned when a playlist exceeds MaxPlaylistBytes.
	ErrTooLarge = errors.New("playlist too large")
)

// ReadText drains a playlist body to text, undoing the upstream
// Content-Encoding first.
func ReadText(body io.Reader, contentEncoding string) (string, error) {
	r, err := decoder(body, contentEncoding)
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(io.LimitReader(r, MaxPlaylistBytes+1))
	if err != nil {
		return "", fmt.Errorf("read playlist: %w", err)
	}
	if len(data) > MaxPlaylistBytes {
		return "", ErrTooLarge
	}
	return string(data), nil
}

func decoder(body io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return io.NopCloser(body), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case "deflate":
		zr, err := zlib.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, contentEncoding)
	}
}
