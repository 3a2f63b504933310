package remote

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/tarekmestiri/souqtalk/internal/faults"
)

// OSFileSystem implements FileSystem over the local disk. Local-only
// resources that cannot be stream-fetched directly are spooled by the
// capture layer as base64 chunk files next to the original URI; the
// fallback read path decodes them without ever materializing the full
// encoded form in memory.
type OSFileSystem struct{}

// ChunkedSuffix is appended to a resource URI to locate its encoded spool.
const ChunkedSuffix = ".b64"

// NewOSFileSystem returns the disk-backed filesystem.
func NewOSFileSystem() *OSFileSystem { return &OSFileSystem{} }

// ReadBytes stream-fetches the resource into memory.
func (f *OSFileSystem) ReadBytes(uri string) ([]byte, error) {
	data, err := os.ReadFile(uri)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.New(faults.Permanent, "fs.read", err)
		}
		return nil, faults.New(faults.Transient, "fs.read", err)
	}
	return data, nil
}

// OpenChunkedEncoded opens the base64 spool of a resource as a streaming
// decoder. The encoded file is read in chunks through the decoder, so peak
// memory stays bounded regardless of resource size.
func (f *OSFileSystem) OpenChunkedEncoded(uri string) (io.ReadCloser, error) {
	file, err := os.Open(uri + ChunkedSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.New(faults.Permanent, "fs.open_chunked",
				fmt.Errorf("no encoded spool for resource: %w", err))
		}
		return nil, faults.New(faults.Transient, "fs.open_chunked", err)
	}
	return &decodedReadCloser{
		reader: base64.NewDecoder(base64.StdEncoding, file),
		closer: file,
	}, nil
}

// Delete removes the resource and, if present, its encoded spool.
func (f *OSFileSystem) Delete(uri string) error {
	err := os.Remove(uri)
	if err != nil && !os.IsNotExist(err) {
		return faults.New(faults.Transient, "fs.delete", err)
	}
	if rmErr := os.Remove(uri + ChunkedSuffix); rmErr != nil && !os.IsNotExist(rmErr) {
		return faults.New(faults.Transient, "fs.delete", rmErr)
	}
	return nil
}

// Exists reports whether the resource or its encoded spool is present.
func (f *OSFileSystem) Exists(uri string) bool {
	if _, err := os.Stat(uri); err == nil {
		return true
	}
	_, err := os.Stat(uri + ChunkedSuffix)
	return err == nil
}

type decodedReadCloser struct {
	reader io.Reader
	closer io.Closer
}

func (d *decodedReadCloser) Read(p []byte) (int, error) { return d.reader.Read(p) }
func (d *decodedReadCloser) Close() error               { return d.closer.Close() }
