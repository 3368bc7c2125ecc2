package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"receiptflow/internal/core"
)

// sniffLen matches the read limit mimetype applies by default.
const sniffLen = 3072

// FromPaths builds upload candidates for files on disk. The content is not
// read beyond the sniffing prefix until the storage write opens it.
func FromPaths(paths []string) ([]core.UploadCandidate, error) {
	out := make([]core.UploadCandidate, 0, len(paths))
	for _, p := range paths {
		c, err := fromPath(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func fromPath(path string) (core.UploadCandidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return core.UploadCandidate{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return core.UploadCandidate{}, fmt.Errorf("%s is a directory", path)
	}

	ct, err := sniffFile(path)
	if err != nil {
		return core.UploadCandidate{}, err
	}

	return core.UploadCandidate{
		ID:          uuid.NewString(),
		Name:        filepath.Base(path),
		ContentType: ct,
		Size:        info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func sniffFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return contentType(head[:n]), nil
}

// FromReader buffers a single captured frame, e.g. piped from a camera tool.
func FromReader(name string, r io.Reader, maxBytes int64) (core.UploadCandidate, error) {
	limit := maxBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	// one extra byte so an oversized capture still fails validation
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return core.UploadCandidate{}, fmt.Errorf("read capture: %w", err)
	}

	return core.UploadCandidate{
		ID:          uuid.NewString(),
		Name:        name,
		ContentType: contentType(data),
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
		Release: func() {
			data = nil
		},
	}, nil
}

// contentType detects the type from the magic bytes. HEIC and HEIF are
// recognised from their ftyp brand, so the file name is not consulted.
func contentType(head []byte) string {
	return mimetype.Detect(head).String()
}
