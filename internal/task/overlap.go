package task

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// OverlapHint is an advisory, non-blocking cache of which artifact paths
// the subtasks in the current dispatch batch have touched historically.
// It never blocks dispatch and never produces a false negative on "no
// overlap" with meaningful probability at the tracked batch sizes; a false
// positive only flags a subtask that does not actually overlap, since the
// file lock remains the actual safety net per the concurrency model.
type OverlapHint struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	seen   int
}

// NewOverlapHint sizes the filter for roughly maxArtifacts entries at a 1%
// false-positive rate.
func NewOverlapHint(maxArtifacts uint) *OverlapHint {
	if maxArtifacts == 0 {
		maxArtifacts = 1024
	}
	return &OverlapHint{filter: bloom.NewWithEstimates(maxArtifacts, 0.01)}
}

// Record adds an artifact path to the hint cache.
func (o *OverlapHint) Record(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.filter.AddString(path)
	o.seen++
}

// MightOverlap reports whether path was possibly touched by an earlier
// subtask. False means definitely not; true means maybe.
func (o *OverlapHint) MightOverlap(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filter.TestString(path)
}

// BatchOverlaps returns, for a proposed dispatch batch's artifact sets
// (keyed by subtask id), the subset of ids whose artifacts might collide
// with something already recorded. Purely advisory: callers still dispatch
// every subtask in the batch regardless of the result.
func BatchOverlaps(hint *OverlapHint, artifactsBySubtask map[string][]string) []string {
	var flagged []string
	for id, paths := range artifactsBySubtask {
		for _, p := range paths {
			if hint.MightOverlap(p) {
				flagged = append(flagged, id)
				break
			}
		}
	}
	return flagged
}
