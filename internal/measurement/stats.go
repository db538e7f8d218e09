package measurement

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// CoverageSummary describes how completely recent rounds were filled.
type CoverageSummary struct {
	Samples       int     `json:"samples"`
	MeanCoverage  float64 `json:"meanCoverage"`
	StdDev        float64 `json:"stdDevCoverage"`
	MeanDistance  float64 `json:"meanDistance"`
	CompleteRatio float64 `json:"completeRatio"`
}

// CoverageTracker keeps a fixed-size window of dispatched round statistics.
type CoverageTracker struct {
	mu        sync.Mutex
	size      int
	next      int
	full      bool
	coverage  []float64
	distances []float64
}

// NewCoverageTracker tracks the last size rounds.
func NewCoverageTracker(size int) *CoverageTracker {
	if size < 1 {
		size = 1
	}
	return &CoverageTracker{
		size:      size,
		coverage:  make([]float64, size),
		distances: make([]float64, size),
	}
}

// Observe records one dispatched round.
func (t *CoverageTracker) Observe(s TagSnapshot) {
	var mean float64
	if n := len(s.Round.Readings); n > 0 {
		d := make([]float64, n)
		for i, rd := range s.Round.Readings {
			d[i] = rd.Distance
		}
		mean = stat.Mean(d, nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.coverage[t.next] = s.Coverage()
	t.distances[t.next] = mean
	t.next = (t.next + 1) % t.size
	if t.next == 0 {
		t.full = true
	}
}

// Summary computes statistics over the current window.
func (t *CoverageTracker) Summary() CoverageSummary {
	t.mu.Lock()
	n := t.next
	if t.full {
		n = t.size
	}
	cov := append([]float64(nil), t.coverage[:n]...)
	dist := append([]float64(nil), t.distances[:n]...)
	t.mu.Unlock()

	if n == 0 {
		return CoverageSummary{}
	}

	mean, std := stat.MeanStdDev(cov, nil)
	if n == 1 {
		std = 0
	}
	complete := 0
	for _, c := range cov {
		if c >= 1 {
			complete++
		}
	}
	return CoverageSummary{
		Samples:       n,
		MeanCoverage:  mean,
		StdDev:        std,
		MeanDistance:  stat.Mean(dist, nil),
		CompleteRatio: float64(complete) / float64(n),
	}
}
