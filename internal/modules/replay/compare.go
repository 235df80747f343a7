package replay

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/foresight/internal/domain"
)

// Summary aggregates a completed test's comparison rows.
type Summary struct {
	TestID              string  `json:"test_id"`
	Pairs               int     `json:"pairs"`
	Incomplete          int     `json:"incomplete"`
	DirectionMatchRate  float64 `json:"direction_match_rate"`
	OriginalHitRate     float64 `json:"original_hit_rate"`
	ReplayHitRate       float64 `json:"replay_hit_rate"`
	MeanConfidenceDelta float64 `json:"mean_confidence_delta"`
	StdConfidenceDelta  float64 `json:"std_confidence_delta"`
	MeanPnLDelta        float64 `json:"mean_pnl_delta"`
}

// Summarize reduces a test's results to headline numbers. Incomplete rows
// are counted but excluded from the statistics.
func (h *Harness) Summarize(testID string) (*Summary, error) {
	test, err := h.repo.GetTest(testID)
	if err != nil {
		return nil, err
	}
	if test == nil {
		return nil, fmt.Errorf("replay test %s not found", testID)
	}
	if test.Status != domain.ReplayCompleted && test.Status != domain.ReplayRestored {
		return nil, fmt.Errorf("replay test %s is %s, no results yet", testID, test.Status)
	}

	results, err := h.repo.Results(testID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{TestID: testID, Pairs: len(results)}
	var confDeltas, pnlDeltas []float64
	var matched, scored, origHits, replayHits int
	for _, r := range results {
		if r.Incomplete {
			summary.Incomplete++
		}
		if r.DirectionMatch != nil {
			if *r.DirectionMatch {
				matched++
			}
		}
		if r.ConfidenceDelta != nil {
			confDeltas = append(confDeltas, *r.ConfidenceDelta)
		}
		if r.PnLDelta != nil {
			pnlDeltas = append(pnlDeltas, *r.PnLDelta)
		}
		if r.OriginalCorrect != nil && r.ReplayCorrect != nil {
			scored++
			if *r.OriginalCorrect {
				origHits++
			}
			if *r.ReplayCorrect {
				replayHits++
			}
		}
	}

	compared := len(results) - summary.Incomplete
	if compared > 0 {
		summary.DirectionMatchRate = float64(matched) / float64(compared)
	}
	if scored > 0 {
		summary.OriginalHitRate = float64(origHits) / float64(scored)
		summary.ReplayHitRate = float64(replayHits) / float64(scored)
	}
	if len(confDeltas) > 0 {
		summary.MeanConfidenceDelta = stat.Mean(confDeltas, nil)
		if len(confDeltas) > 1 {
			summary.StdConfidenceDelta = stat.StdDev(confDeltas, nil)
		}
	}
	if len(pnlDeltas) > 0 {
		summary.MeanPnLDelta = stat.Mean(pnlDeltas, nil)
	}
	return summary, nil
}

// Results exposes the raw comparison rows of a test.
func (h *Harness) Results(testID string) ([]domain.ReplayResult, error) {
	return h.repo.Results(testID)
}
