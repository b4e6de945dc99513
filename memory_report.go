package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// memoryWatch samples the runtime between chunks to show how close the
// process stays to the flag buffer budget while streaming.
// Ownership: run owns the instance; samples happen on the streaming goroutine.
type memoryWatch struct {
	budget   int64
	read     func(*runtime.MemStats)
	started  bool
	lastGC   uint32
	startGC  uint32
	startNs  uint64
	samples  int
	peakHeap uint64
	maxPause time.Duration
	lastSys  uint64
	lastNs   uint64
}

func newMemoryWatch(budget int64) *memoryWatch {
	return &memoryWatch{budget: budget, read: runtime.ReadMemStats}
}

// Purpose: Record one sample.
// Key aspects: The first sample is the baseline; later samples track the
// peak heap in use and the longest GC pause among cycles completed since the
// previous sample (limited to the runtime's pause ring).
// Upstream: run, wrapped around the per-chunk progress callback.
// Downstream: runtime.ReadMemStats.
func (w *memoryWatch) sample() {
	var mem runtime.MemStats
	w.read(&mem)
	w.observe(&mem)
}

func (w *memoryWatch) observe(mem *runtime.MemStats) {
	if !w.started {
		w.started = true
		w.startGC, w.lastGC = mem.NumGC, mem.NumGC
		w.startNs = mem.PauseTotalNs
	}
	w.samples++
	w.peakHeap = max(w.peakHeap, mem.HeapInuse)
	w.lastSys = mem.Sys
	w.lastNs = mem.PauseTotalNs

	ring := uint32(len(mem.PauseNs))
	newGC := min(mem.NumGC-w.lastGC, ring)
	for k := uint32(0); k < newGC; k++ {
		idx := (mem.NumGC - 1 - k) % ring
		w.maxPause = max(w.maxPause, time.Duration(mem.PauseNs[idx]))
	}
	w.lastGC = mem.NumGC
}

// Purpose: Summarize memory over the run for the statistics output.
// Key aspects: Peak heap is reported against the budget; GC cost is total
// and maximum pause over the cycles seen between the first and last sample.
// Upstream: run when statistics are enabled.
// Downstream: humanize.
func (w *memoryWatch) report() string {
	if !w.started {
		return "Memory: no samples"
	}
	line := fmt.Sprintf("Memory: peak heap %s over %d samples (flag buffer budget %s), %s from the OS",
		humanize.IBytes(w.peakHeap), w.samples, humanize.IBytes(uint64(max(w.budget, 0))), humanize.IBytes(w.lastSys))
	cycles := w.lastGC - w.startGC
	if cycles == 0 {
		return line + ", no GC cycles"
	}
	return fmt.Sprintf("%s, %d GC cycles paused %s in total (longest %s)",
		line, cycles, time.Duration(w.lastNs-w.startNs), w.maxPause)
}

// chunkSampler samples w after every chunk before forwarding to next.
func chunkSampler(w *memoryWatch, next func(string, int, int)) func(string, int, int) {
	return func(path string, chunk, chunks int) {
		w.sample()
		if next != nil {
			next(path, chunk, chunks)
		}
	}
}
