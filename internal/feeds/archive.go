package feeds

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

var (
	zipSignature  = []byte("PK\x03\x04")
	gzipSignature = []byte{0x1f, 0x8b}
)

// ErrEmptyArchive is returned for an archive with no file entries.
var ErrEmptyArchive = errors.New("archive has no entries")

// IsArchive reports whether payload starts with a known archive signature.
func IsArchive(payload []byte) bool {
	return bytes.HasPrefix(payload, zipSignature) || bytes.HasPrefix(payload, gzipSignature)
}

// Unwrap returns the contents of a compressed payload. For zip archives it
// picks the entry whose base name is member, falling back to the first file
// entry. Payloads without an archive signature are returned unchanged with
// unwrapped set to false.
func Unwrap(payload []byte, member string, maxSize int64) (out []byte, unwrapped bool, err error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxPayload
	}
	switch {
	case bytes.HasPrefix(payload, zipSignature):
		out, err = unzip(payload, member, maxSize)
		return out, true, err
	case bytes.HasPrefix(payload, gzipSignature):
		out, err = gunzip(payload, maxSize)
		return out, true, err
	default:
		return payload, false, nil
	}
}

func unzip(payload []byte, member string, maxSize int64) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}

	var chosen *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if member != "" && strings.EqualFold(path.Base(f.Name), member) {
			chosen = f
			break
		}
		if chosen == nil {
			chosen = f
		}
	}
	if chosen == nil {
		return nil, ErrEmptyArchive
	}

	rc, err := chosen.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", chosen.Name, err)
	}
	defer rc.Close()
	return readLimited(rc, maxSize)
}

func gunzip(payload []byte, maxSize int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip: %w", err)
	}
	defer zr.Close()
	return readLimited(zr, maxSize)
}

func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if int64(len(out)) > maxSize {
		return nil, fmt.Errorf("decompressed payload larger than %d bytes", maxSize)
	}
	return out, nil
}
