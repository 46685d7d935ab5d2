package descriptor

import (
	"fmt"

	"gocv.io/x/gocv"
)

// ComputeHistogram reads the crop image at path, converts it to HSV, and
// builds the H/S/V binned, per-channel-normalized histogram used by
// HistogramCorrelation (HueBins/SaturationBins/ValueBins, concatenated to
// HistogramSize entries). Grounded on the Split-then-per-channel-access
// pattern danhigham-speedcam uses for its background mask, generalized
// here to gocv's own CalcHist instead of raw pixel scans.
func ComputeHistogram(cropPath string) ([]float64, error) {
	img := gocv.IMRead(cropPath, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("descriptor: read crop %q: empty or unreadable image", cropPath)
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()
	if len(channels) != 3 {
		return nil, fmt.Errorf("descriptor: %q: expected 3 HSV channels, got %d", cropPath, len(channels))
	}

	hist := make([]float64, 0, HistogramSize)
	hist = append(hist, channelHistogram(channels[0], HueBins, 180)...)
	hist = append(hist, channelHistogram(channels[1], SaturationBins, 256)...)
	hist = append(hist, channelHistogram(channels[2], ValueBins, 256)...)
	return hist, nil
}

// channelHistogram bins one 8-bit channel into n bins over [0, maxVal) and
// L1-normalizes the result so histograms of differently sized crops stay
// comparable under HistogramCorrelation.
func channelHistogram(channel gocv.Mat, bins int, maxVal float32) []float64 {
	mask := gocv.NewMat()
	defer mask.Close()
	hist := gocv.NewMat()
	defer hist.Close()

	gocv.CalcHist([]gocv.Mat{channel}, []int{0}, mask, &hist, []int{bins}, []float64{0, float64(maxVal)}, false)

	out := make([]float64, bins)
	var total float64
	for i := 0; i < bins; i++ {
		v := float64(hist.GetFloatAt(i, 0))
		out[i] = v
		total += v
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}
