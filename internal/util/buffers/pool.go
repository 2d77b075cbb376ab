// Package buffers provides reusable byte buffers for streamed digests and
// multipart uploads, so memory stays bounded by a handful of blocks no matter
// how large the artifacts are.
package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/runsync/runsync/internal/constants"
)

// Pool monitoring counters
var (
	blockAllocations int64 // checksum block buffers created
	partAllocations  int64 // multipart part buffers created
)

var (
	// blockPool provides read buffers for the checksum engine
	blockPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&blockAllocations, 1)
			buf := make([]byte, constants.ChecksumBlockSize)
			return &buf
		},
	}

	// partPool provides S3 multipart part buffers
	partPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&partAllocations, 1)
			buf := make([]byte, constants.PartSize)
			return &buf
		},
	}
)

// GetBlockBuffer retrieves a checksum read buffer from the pool.
// Return it with PutBlockBuffer.
//
//	buf := buffers.GetBlockBuffer()
//	defer buffers.PutBlockBuffer(buf)
//	n, err := f.Read(*buf)
func GetBlockBuffer() *[]byte {
	return blockPool.Get().(*[]byte)
}

// PutBlockBuffer returns a buffer to the pool. Buffers of the wrong size are
// dropped.
func PutBlockBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.ChecksumBlockSize {
		blockPool.Put(buf)
	}
}

// GetPartBuffer retrieves a multipart part buffer from the pool.
func GetPartBuffer() *[]byte {
	return partPool.Get().(*[]byte)
}

// PutPartBuffer returns a part buffer to the pool. The buffer is cleared
// before reuse.
func PutPartBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.PartSize {
		clear(*buf)
		partPool.Put(buf)
	}
}

// Stats describes pool usage.
type Stats struct {
	BlockBufferSize  int
	PartBufferSize   int
	BlockAllocations int64
	PartAllocations  int64
}

// GetStats returns current buffer pool statistics.
func GetStats() Stats {
	return Stats{
		BlockBufferSize:  constants.ChecksumBlockSize,
		PartBufferSize:   constants.PartSize,
		BlockAllocations: atomic.LoadInt64(&blockAllocations),
		PartAllocations:  atomic.LoadInt64(&partAllocations),
	}
}
