// Package durations summarizes the run-duration history of a scheduled experiment.
package durations

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Histogram bounds in milliseconds: 1ms to 7 days
	histogramMin     = 1
	histogramMax     = 7 * 24 * 60 * 60 * 1000
	histogramSigFigs = 3
)

// Summary describes a duration history. Min, max and mean are exact,
// percentiles come from an HDR histogram with three significant figures.
type Summary struct {
	Count  int     `json:"count"`
	MinMs  int64   `json:"min_ms"`
	MaxMs  int64   `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  int64   `json:"p50_ms"`
	P95Ms  int64   `json:"p95_ms"`
}

// Summarize computes a Summary over durations. An empty history yields the zero Summary.
func Summarize(durations []time.Duration) Summary {
	if len(durations) == 0 {
		return Summary{}
	}

	hist := hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)

	var total time.Duration
	minD, maxD := durations[0], durations[0]
	for _, d := range durations {
		total += d
		if d < minD {
			minD = d
		}
		if d > maxD {
			maxD = d
		}
		hist.RecordValue(clamp(d.Milliseconds()))
	}

	return Summary{
		Count:  len(durations),
		MinMs:  minD.Milliseconds(),
		MaxMs:  maxD.Milliseconds(),
		MeanMs: float64(total) / float64(len(durations)) / float64(time.Millisecond),
		P50Ms:  hist.ValueAtQuantile(50),
		P95Ms:  hist.ValueAtQuantile(95),
	}
}

func clamp(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	if ms > histogramMax {
		return histogramMax
	}
	return ms
}
