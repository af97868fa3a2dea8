package peer

import (
	"sync"
	"time"
)

// ProgressObserver receives the fraction of an import done, 0 to 100.
type ProgressObserver interface {
	Report(percent int)
}

// ProgressFunc adapts a plain function to ProgressObserver.
type ProgressFunc func(percent int)

func (f ProgressFunc) Report(percent int) { f(percent) }

// ChunkObserver is implemented by progress observers that also want
// per-chunk events. Import detects it on the observer it is given.
type ChunkObserver interface {
	ChunkStarted(index int, start, end int64)
	ChunkReceived(index int, n int)
	ChunkFailed(index int)
}

// ChunkState is the state of one chunk of an import
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkRequested
	ChunkCompleted
	ChunkAborted
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkRequested:
		return "requested"
	case ChunkCompleted:
		return "completed"
	case ChunkAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Icon returns a one-rune marker for the state
func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "⏳"
	case ChunkRequested:
		return "↓"
	case ChunkCompleted:
		return "✓"
	case ChunkAborted:
		return "✗"
	default:
		return "?"
	}
}

// ChunkProgress is the record of one requested byte range
type ChunkProgress struct {
	Index     int
	Start     int64
	End       int64
	State     ChunkState
	Received  int
	StartTime time.Time
	EndTime   time.Time
}

// ImportTracker follows one import for display. Chunks are requested one at
// a time, so at most one chunk is in the requested state.
type ImportTracker struct {
	mu          sync.RWMutex
	Title       string
	PeerID      string
	FileSize    int64
	TotalChunks int
	Chunks      map[int]*ChunkProgress // index -> progress
	StartTime   time.Time
	EndTime     time.Time

	bytesDownloaded int64
	percent         int

	// Speed calculation
	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec

	failedChunks int
}

// NewImportTracker creates a tracker for a file of size bytes fetched in chunkSize pieces.
func NewImportTracker(title, peerID string, size, chunkSize int64) *ImportTracker {
	total := 0
	if chunkSize > 0 && size > 0 {
		total = int((size + chunkSize - 1) / chunkSize)
	}
	now := time.Now()
	return &ImportTracker{
		Title:       title,
		PeerID:      peerID,
		FileSize:    size,
		TotalChunks: total,
		Chunks:      make(map[int]*ChunkProgress),
		StartTime:   now,
		lastTime:    now,
	}
}

// Report implements ProgressObserver
func (it *ImportTracker) Report(percent int) {
	it.mu.Lock()
	it.percent = percent
	it.mu.Unlock()
}

// ChunkStarted implements ChunkObserver
func (it *ImportTracker) ChunkStarted(index int, start, end int64) {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.Chunks[index] = &ChunkProgress{
		Index:     index,
		Start:     start,
		End:       end,
		State:     ChunkRequested,
		StartTime: time.Now(),
	}
}

// ChunkReceived implements ChunkObserver
func (it *ImportTracker) ChunkReceived(index int, n int) {
	it.mu.Lock()
	defer it.mu.Unlock()

	chunk, ok := it.Chunks[index]
	if !ok {
		return
	}
	chunk.State = ChunkCompleted
	chunk.Received = n
	chunk.EndTime = time.Now()
	it.bytesDownloaded += int64(n)
}

// ChunkFailed implements ChunkObserver
func (it *ImportTracker) ChunkFailed(index int) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if chunk, ok := it.Chunks[index]; ok {
		chunk.State = ChunkAborted
		chunk.EndTime = time.Now()
	}
	it.failedChunks++
}

// UpdateSpeed recomputes the current speed at most every half second
func (it *ImportTracker) UpdateSpeed() float64 {
	it.mu.Lock()
	defer it.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(it.lastTime).Seconds()
	if elapsed >= 0.5 {
		it.currentSpeed = float64(it.bytesDownloaded-it.lastBytes) / elapsed
		it.lastBytes = it.bytesDownloaded
		it.lastTime = now
	}
	return it.currentSpeed
}

// GetProgress returns received chunk count, total chunks, speed in bytes/s and failed chunk count
func (it *ImportTracker) GetProgress() (received, total int, speed float64, failed int) {
	it.mu.RLock()
	defer it.mu.RUnlock()

	for _, chunk := range it.Chunks {
		if chunk.State == ChunkCompleted {
			received++
		}
	}
	return received, it.TotalChunks, it.currentSpeed, it.failedChunks
}

// Percent returns the last value passed to Report
func (it *ImportTracker) Percent() int {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.percent
}

// GetETA returns the estimated time remaining
func (it *ImportTracker) GetETA() time.Duration {
	it.mu.RLock()
	defer it.mu.RUnlock()

	remaining := it.FileSize - it.bytesDownloaded
	if it.currentSpeed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/it.currentSpeed) * time.Second
}

func (it *ImportTracker) GetBytesDownloaded() int64 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.bytesDownloaded
}

// IsComplete reports whether every byte of the file was received
func (it *ImportTracker) IsComplete() bool {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.FileSize > 0 && it.bytesDownloaded >= it.FileSize && it.failedChunks == 0
}

// MarkComplete stops the elapsed-time clock
func (it *ImportTracker) MarkComplete() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.EndTime = time.Now()
}

// GetElapsedTime returns the time since the import started, or its total duration once marked complete
func (it *ImportTracker) GetElapsedTime() time.Duration {
	it.mu.RLock()
	defer it.mu.RUnlock()

	if !it.EndTime.IsZero() {
		return it.EndTime.Sub(it.StartTime)
	}
	return time.Since(it.StartTime)
}

// GetChunkStatus returns the state of chunk index
func (it *ImportTracker) GetChunkStatus(index int) (ChunkState, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()

	if chunk, ok := it.Chunks[index]; ok {
		return chunk.State, true
	}
	return ChunkPending, false
}
