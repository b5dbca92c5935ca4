package port

import "sync/atomic"

// Counters tracks per-port I/O statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	BytesRead     atomic.Uint64 // Bytes returned by foreground reads
	BytesWritten  atomic.Uint64 // Bytes accepted by the hardware on write
	AsyncBytes    atomic.Uint64 // Bytes pushed by the continuous read loop
	AsyncChunks   atomic.Uint32 // Callback invocations from the continuous read loop
	ReadFailures  atomic.Uint32 // Foreground reads that returned no data or failed
	WriteFailures atomic.Uint32 // Writes that failed or were short
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	BytesRead     uint64 `json:"bytes_read"`
	BytesWritten  uint64 `json:"bytes_written"`
	AsyncBytes    uint64 `json:"async_bytes"`
	AsyncChunks   uint32 `json:"async_chunks"`
	ReadFailures  uint32 `json:"read_failures"`
	WriteFailures uint32 `json:"write_failures"`
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		BytesRead:     c.BytesRead.Load(),
		BytesWritten:  c.BytesWritten.Load(),
		AsyncBytes:    c.AsyncBytes.Load(),
		AsyncChunks:   c.AsyncChunks.Load(),
		ReadFailures:  c.ReadFailures.Load(),
		WriteFailures: c.WriteFailures.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.BytesRead.Store(0)
	c.BytesWritten.Store(0)
	c.AsyncBytes.Store(0)
	c.AsyncChunks.Store(0)
	c.ReadFailures.Store(0)
	c.WriteFailures.Store(0)
}
