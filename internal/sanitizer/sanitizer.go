// Package sanitizer implements the clip sanitizer: probe a
// clip for decode errors and non-monotonic DTS, and if any are found,
// re-encode with error-discarding and PTS regeneration. Follows the
// ffprobe/ffmpeg subprocess pattern of internal/recording/segment.go,
// adapted from segment metadata extraction to decode-diagnostic
// collection.
package sanitizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/groundtruth-studio/reid-pipeline/internal/perr"
)

// MinUsableDuration is the minimum duration a re-encoded clip must have
// to be considered salvageable.
const MinUsableDuration = 2.0 * time.Second

// subprocessTimeout bounds both the sanitizer's probe and its re-encode,
// sanitizer subprocesses are killed after 5 minutes.
const subprocessTimeout = 5 * time.Minute

// Result is the outcome of sanitizing a clip.
type Result struct {
	Path     string
	Rejected bool
}

// Sanitizer probes and repairs clips before they reach the MOT tracker.
type Sanitizer struct {
	logger *slog.Logger
}

// New creates a clip sanitizer.
func New(logger *slog.Logger) *Sanitizer {
	return &Sanitizer{logger: logger.With("component", "sanitizer")}
}

type probeDiagnostics struct {
	decodeErrors      int
	nonMonotonicDTS   int
	durationSeconds   float64
}

// Sanitize implements the contract Sanitize(clip_path) ->
// SanitizedPath | Rejected. Any sanitizer-internal error fails soft,
// returning the original path rather than blocking analysis.
func (s *Sanitizer) Sanitize(ctx context.Context, clipPath string) (Result, error) {
	diag, err := s.probe(ctx, clipPath)
	if err != nil {
		s.logger.Warn("probe failed, passing clip through unsanitized", "clip", clipPath, "error", err)
		return Result{Path: clipPath}, nil
	}

	if diag.decodeErrors == 0 && diag.nonMonotonicDTS == 0 {
		return Result{Path: clipPath}, nil
	}

	s.logger.Info("clip has decode diagnostics, re-encoding",
		"clip", clipPath, "decode_errors", diag.decodeErrors, "non_monotonic_dts", diag.nonMonotonicDTS)

	repaired, err := s.reencode(ctx, clipPath)
	if err != nil {
		s.logger.Warn("re-encode failed, passing clip through unsanitized", "clip", clipPath, "error", err)
		return Result{Path: clipPath}, nil
	}

	repairedDiag, err := s.probe(ctx, repaired)
	if err != nil {
		s.logger.Warn("post-reencode probe failed, passing clip through unsanitized", "clip", clipPath, "error", err)
		return Result{Path: clipPath}, nil
	}

	if time.Duration(repairedDiag.durationSeconds*float64(time.Second)) < MinUsableDuration {
		_ = os.Remove(repaired)
		return Result{Rejected: true}, perr.New(perr.CorruptClip, "sanitizer.Sanitize",
			fmt.Errorf("re-encoded duration %.2fs below minimum usable %.2fs", repairedDiag.durationSeconds, MinUsableDuration.Seconds()))
	}

	return Result{Path: repaired}, nil
}

// probe decodes the clip with a null sink and collects decode error and
// non-monotonic DTS counts from ffmpeg's stderr diagnostics.
func (s *Sanitizer) probe(ctx context.Context, clipPath string) (probeDiagnostics, error) {
	ctx, cancel := context.WithTimeout(ctx, subprocessTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-v", "warning",
		"-i", clipPath,
		"-f", "null",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	_ = cmd.Run() // ffmpeg's exit code is not diagnostic of decode-warning counts

	diag := probeDiagnostics{}
	diag.decodeErrors = countOccurrences(stderr.String(), "Error", "error while decoding")
	diag.nonMonotonicDTS = countOccurrences(stderr.String(), "Non-monotonic DTS")

	duration, err := s.probeDuration(ctx, clipPath)
	if err != nil {
		return diag, err
	}
	diag.durationSeconds = duration

	return diag, nil
}

func (s *Sanitizer) probeDuration(ctx context.Context, clipPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		clipPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probeData struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &probeData); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	duration, err := strconv.ParseFloat(probeData.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", probeData.Format.Duration, err)
	}
	return duration, nil
}

// reencode re-encodes the clip with discard-corrupt and regenerate-PTS
// enabled, writing to a sibling file.
func (s *Sanitizer) reencode(ctx context.Context, clipPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, subprocessTimeout)
	defer cancel()

	ext := filepath.Ext(clipPath)
	base := clipPath[:len(clipPath)-len(ext)]
	out := base + ".sanitized" + ext

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-fflags", "+discardcorrupt+genpts",
		"-i", clipPath,
		"-c", "copy",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg re-encode failed: %s: %w", stderr.String(), err)
	}
	return out, nil
}

func countOccurrences(haystack string, needles ...string) int {
	count := 0
	for _, needle := range needles {
		count += strings.Count(haystack, needle)
	}
	return count
}
