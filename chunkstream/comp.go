package chunkstream

import (
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CompTransport wraps an io.ReadWriteCloser with snappy compression, so a
// ChunkStream built over it never sees the compression layer.
type CompTransport struct {
	underlying io.ReadWriteCloser
	w          *snappy.Writer
	r          *snappy.Reader
}

// NewCompTransport wraps underlying so every Write is snappy-compressed and
// every Read is transparently decompressed.
func NewCompTransport(underlying io.ReadWriteCloser) *CompTransport {
	return &CompTransport{
		underlying: underlying,
		w:          snappy.NewBufferedWriter(underlying),
		r:          snappy.NewReader(underlying),
	}
}

func (c *CompTransport) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *CompTransport) Write(p []byte) (int, error) {
	if _, err := c.w.Write(p); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := c.w.Flush(); err != nil {
		return 0, errors.WithStack(err)
	}
	return len(p), nil
}

func (c *CompTransport) Close() error {
	return c.underlying.Close()
}
