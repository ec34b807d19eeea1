package engine

import (
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"os"
	"sync"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumReader wraps an io.Reader to compute a checksum while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
	n    int64
}

// NewChecksumReader creates a new ChecksumReader that wraps the given reader
// and computes a CRC64 checksum of the data read.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{
		r:    r,
		hash: crc64.New(crcTable),
	}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cr *ChecksumReader) Checksum() uint64 {
	return cr.hash.Sum64()
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// ChecksumPool manages reusable checksum hashers to reduce allocations.
type ChecksumPool struct {
	pool sync.Pool
}

// NewChecksumPool creates a new ChecksumPool.
func NewChecksumPool() *ChecksumPool {
	return &ChecksumPool{
		pool: sync.Pool{
			New: func() any {
				return crc64.New(crcTable)
			},
		},
	}
}

// Get retrieves a hasher from the pool.
func (cp *ChecksumPool) Get() hash.Hash64 {
	return cp.pool.Get().(hash.Hash64)
}

// Put returns a hasher to the pool after resetting it.
func (cp *ChecksumPool) Put(h hash.Hash64) {
	h.Reset()
	cp.pool.Put(h)
}

// VerifyFile re-reads the file at path and compares its checksum and
// length against what was streamed into it.
func (cp *ChecksumPool) VerifyFile(path string, want uint64, size int64, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := cp.Get()
	defer cp.Put(h)

	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return err
	}
	if n != size || h.Sum64() != want {
		return newError(CodeChecksumMismatch, "checksum mismatch on %s: wrote %d bytes (crc %016x), read back %d (crc %016x)",
			path, size, want, n, h.Sum64())
	}
	return nil
}

// Checksum computes the CRC64 of everything r yields.
func Checksum(r io.Reader) (uint64, error) {
	h := crc64.New(crcTable)
	if _, err := io.Copy(h, r); err != nil {
		return 0, fmt.Errorf("checksum: %w", err)
	}
	return h.Sum64(), nil
}
