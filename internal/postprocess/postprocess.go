// Package postprocess implements the track post-processor's three
// strictly-sequential passes: merge overlapping tracks,
// stitch sequential fragments, and clean trajectory jumps. Each pass reads
// the previous pass's output and rewrites affected tracks.
package postprocess

import (
	"log/slog"
	"sort"

	"github.com/groundtruth-studio/reid-pipeline/internal/assign"
	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/geometry"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// timeAlignTolerance is the window within which two trajectory points are
// considered to occur "at the same time" for merge/stitch comparison.
const timeAlignTolerance = 0.05

// nearestNeighborTolerance is the looser window used by the 9-sample
// IoU-min merge check.
const nearestNeighborTolerance = 0.5

// Processor runs the three post-processing passes over one clip's tracks.
type Processor struct {
	thresholds config.Thresholds
	logger     *slog.Logger
}

// New creates a track post-processor.
func New(thresholds config.Thresholds, logger *slog.Logger) *Processor {
	return &Processor{thresholds: thresholds, logger: logger.With("component", "postprocess")}
}

// Run applies merge, stitch, and jump-cleaning in order and returns the
// rewritten track set.
func (p *Processor) Run(tracks []models.VideoTrack) []models.VideoTrack {
	tracks = p.mergeOverlapping(tracks)
	tracks = p.stitchFragments(tracks)
	tracks = p.cleanJumps(tracks)
	return tracks
}

// mergeOverlapping deactivates the shorter of two overlapping tracks. Candidate pairs are collected
// first, then resolved with an optimal one-to-one assignment (Hungarian)
// so that when three or more active tracks mutually qualify, each shorter
// track is merged into at most one target rather than chained ambiguously.
func (p *Processor) mergeOverlapping(tracks []models.VideoTrack) []models.VideoTrack {
	n := len(tracks)
	active := make([]bool, n)
	for i, t := range tracks {
		active[i] = t.Status == models.VideoTrackActive
	}

	type candidate struct {
		shorter, longer int
		meanIoU         float64
	}
	var candidates []candidate

	for i := 0; i < n; i++ {
		if !active[i] {
			continue
		}
		for j := i + 1; j < n; j++ {
			if !active[j] {
				continue
			}
			meanIoU, ok := p.qualifiesForMerge(tracks[i], tracks[j])
			if !ok {
				continue
			}
			shorter, longer := i, j
			if len(tracks[j].Trajectory) < len(tracks[i].Trajectory) {
				shorter, longer = j, i
			}
			candidates = append(candidates, candidate{shorter: shorter, longer: longer, meanIoU: meanIoU})
		}
	}
	if len(candidates) == 0 {
		return tracks
	}

	shorterIdxSet := map[int]bool{}
	longerIdxSet := map[int]bool{}
	for _, c := range candidates {
		shorterIdxSet[c.shorter] = true
		longerIdxSet[c.longer] = true
	}
	shorterList := sortedKeys(shorterIdxSet)
	longerList := sortedKeys(longerIdxSet)
	shorterPos := indexOf(shorterList)
	longerPos := indexOf(longerList)

	const forbidden = 1e18
	cost := make([][]float64, len(shorterList))
	for r := range cost {
		cost[r] = make([]float64, len(longerList))
		for c := range cost[r] {
			cost[r][c] = forbidden
		}
	}
	for _, cand := range candidates {
		r := shorterPos[cand.shorter]
		c := longerPos[cand.longer]
		costVal := 1 - cand.meanIoU
		if costVal < cost[r][c] {
			cost[r][c] = costVal
		}
	}

	assignment := assign.Hungarian(cost)
	for r, c := range assignment {
		if c < 0 || cost[r][c] >= forbidden {
			continue
		}
		shorterTrack := shorterList[r]
		tracks[shorterTrack].Status = models.VideoTrackMerged
	}
	return tracks
}

// qualifiesForMerge checks the merge criteria in order (time-aligned mean
// IoU, then sampled mean IoU-min) and returns the mean of the first one
// that passes plus whether either passed.
func (p *Processor) qualifiesForMerge(a, b models.VideoTrack) (float64, bool) {
	overlapStart, overlapEnd, ok := timeOverlap(a, b)
	if !ok {
		return 0, false
	}
	overlapDuration := overlapEnd - overlapStart

	minShared := 3
	if overlapDuration > 5.0 {
		minShared = 1
	}
	if meanIoU, n := timeAlignedMeanIoU(a, b, timeAlignTolerance); n >= minShared && meanIoU >= p.thresholds.IoUMergeThreshold {
		return meanIoU, true
	}

	if overlapDuration >= 2.0 {
		if meanIoUMin, n := sampledMeanIoUMin(a, b, overlapStart, overlapEnd, 9, nearestNeighborTolerance); n >= 3 && meanIoUMin >= p.thresholds.IoUMinNearest {
			return meanIoUMin, true
		}
	}
	return 0, false
}

// stitchFragments stitches sequential fragments: track i ends, track j begins
// within StitchMaxGapSec; if max(IoU, IoU-min) of i's last bbox and j's
// first bbox is >= 0.30, deactivate the shorter of the two.
func (p *Processor) stitchFragments(tracks []models.VideoTrack) []models.VideoTrack {
	const stitchIoUThreshold = 0.30
	n := len(tracks)
	for i := 0; i < n; i++ {
		if tracks[i].Status != models.VideoTrackActive || len(tracks[i].Trajectory) == 0 {
			continue
		}
		for j := 0; j < n; j++ {
			if i == j || tracks[j].Status != models.VideoTrackActive || len(tracks[j].Trajectory) == 0 {
				continue
			}
			last := tracks[i]
			first := tracks[j]
			gap := first.Trajectory[0].Timestamp - last.Trajectory[len(last.Trajectory)-1].Timestamp
			if gap < 0 || gap > p.thresholds.StitchMaxGapSec {
				continue
			}

			lastBBox := last.Trajectory[len(last.Trajectory)-1].BBox()
			firstBBox := first.Trajectory[0].BBox()
			iou := geometry.IoU(lastBBox, firstBBox)
			iouMin := geometry.IoUMin(lastBBox, firstBBox)
			best := iou
			if iouMin > best {
				best = iouMin
			}
			if best < stitchIoUThreshold {
				continue
			}

			shorter := i
			if len(tracks[j].Trajectory) <= len(tracks[i].Trajectory) {
				shorter = j
			}
			tracks[shorter].Status = models.VideoTrackMerged
		}
	}
	return tracks
}

// cleanJumps flags a jump where centroid
// displacement exceeds JumpMultiplier times the average bbox diagonal
// between consecutive points; split at each jump and retain only the
// longest contiguous segment.
func (p *Processor) cleanJumps(tracks []models.VideoTrack) []models.VideoTrack {
	for i := range tracks {
		t := &tracks[i]
		if t.Status != models.VideoTrackActive || len(t.Trajectory) < 2 {
			continue
		}

		segments := [][]models.TrajectoryPoint{{t.Trajectory[0]}}
		for k := 1; k < len(t.Trajectory); k++ {
			prev := t.Trajectory[k-1]
			cur := t.Trajectory[k]
			disp := geometry.CentroidDisplacement(prev.BBox(), cur.BBox())
			avgDiag := geometry.AvgDiagonal(prev.BBox(), cur.BBox())
			if avgDiag > 0 && disp > p.thresholds.JumpMultiplier*avgDiag {
				segments = append(segments, nil)
			}
			segments[len(segments)-1] = append(segments[len(segments)-1], cur)
		}

		longest := segments[0]
		for _, seg := range segments[1:] {
			if len(seg) > len(longest) {
				longest = seg
			}
		}

		if len(longest) < p.thresholds.MinSegmentFrames {
			t.Status = models.VideoTrackJumpFragmented
			continue
		}
		t.Trajectory = longest
		t.FirstSeenEpoch = longest[0].Timestamp
		t.LastSeenEpoch = longest[len(longest)-1].Timestamp
	}
	return tracks
}

func timeOverlap(a, b models.VideoTrack) (start, end float64, ok bool) {
	if len(a.Trajectory) == 0 || len(b.Trajectory) == 0 {
		return 0, 0, false
	}
	start = max(a.FirstSeenEpoch, b.FirstSeenEpoch)
	end = min(a.LastSeenEpoch, b.LastSeenEpoch)
	if end <= start {
		return 0, 0, false
	}
	return start, end, true
}

func timeAlignedMeanIoU(a, b models.VideoTrack, tolerance float64) (float64, int) {
	sum, n := 0.0, 0
	for _, pa := range a.Trajectory {
		for _, pb := range b.Trajectory {
			if abs(pa.Timestamp-pb.Timestamp) <= tolerance {
				sum += geometry.IoU(pa.BBox(), pb.BBox())
				n++
				break
			}
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func sampledMeanIoUMin(a, b models.VideoTrack, start, end float64, numSamples int, tolerance float64) (float64, int) {
	sum, n := 0.0, 0
	step := (end - start) / float64(numSamples-1)
	for s := 0; s < numSamples; s++ {
		ts := start + step*float64(s)
		pa, okA := nearestPoint(a.Trajectory, ts, tolerance)
		pb, okB := nearestPoint(b.Trajectory, ts, tolerance)
		if !okA || !okB {
			continue
		}
		sum += geometry.IoUMin(pa.BBox(), pb.BBox())
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func nearestPoint(traj []models.TrajectoryPoint, ts, tolerance float64) (models.TrajectoryPoint, bool) {
	best := -1
	bestDist := tolerance
	for i, p := range traj {
		d := abs(p.Timestamp - ts)
		if d <= bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return models.TrajectoryPoint{}, false
	}
	return traj[best], true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func indexOf(list []int) map[int]int {
	pos := make(map[int]int, len(list))
	for i, v := range list {
		pos[v] = i
	}
	return pos
}
