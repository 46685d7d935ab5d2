package mot

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// greedyAssign performs greedy minimum-cost matching between tracklets
// (rows) and detections (columns): repeatedly takes the global minimum
// cost cell, commits it, then invalidates its row and column. This is
// the tracker's per-frame assignment step; not Hungarian, matching the
// matcher grounding used elsewhere in this pipeline.
//
// Grounded on nmichlo-norfair-go's MatchDetectionsAndObjects, adapted
// from a distance matrix to an IoU-derived cost matrix (cost = 1 - IoU).
func greedyAssign(cost *mat.Dense, maxCost float64) (trackIdx, detIdx []int) {
	rows, cols := cost.Dims()
	if rows == 0 || cols == 0 {
		return nil, nil
	}

	m := mat.DenseCopyOf(cost)
	const invalid = math.MaxFloat64

	for {
		minVal := math.Inf(1)
		minR, minC := -1, -1
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				v := m.At(r, c)
				if v < minVal {
					minVal = v
					minR, minC = r, c
				}
			}
		}
		if minR < 0 || minVal > maxCost {
			break
		}

		trackIdx = append(trackIdx, minR)
		detIdx = append(detIdx, minC)

		for c := 0; c < cols; c++ {
			m.Set(minR, c, invalid)
		}
		for r := 0; r < rows; r++ {
			m.Set(r, minC, invalid)
		}
	}
	return trackIdx, detIdx
}
