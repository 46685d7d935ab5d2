package ptz

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// GocvLocator is the production FeatureLocator, built on the same
// gocv.GoodFeaturesToTrack / template-matching primitives
// nmichlo-norfair-go's MotionEstimator uses for its own sparse optical
// flow feature selection (camera_motion.go's getSparseFlow).
type GocvLocator struct {
	MaxFeatures     int
	QualityLevel    float64
	MinDistance     float64
	MinLuminance    float64
	MinFeatureCount int
	TemplateRadius  int // half-width in pixels of the patch cropped around a tracked feature
	SearchMargin    int // extra pixels of search room around the template's last known position
}

// NewGocvLocator builds a locator whose thresholds reject a frame below
// luminance 10 or with fewer than 2 good corner features.
func NewGocvLocator() *GocvLocator {
	return &GocvLocator{
		MaxFeatures:     50,
		QualityLevel:    0.01,
		MinDistance:     10,
		MinLuminance:    10,
		MinFeatureCount: 2,
		TemplateRadius:  20,
		SearchMargin:    40,
	}
}

func asMat(frame CapturedFrame) (gocv.Mat, error) {
	mat, ok := frame.Mat.(gocv.Mat)
	if !ok {
		return gocv.Mat{}, fmt.Errorf("captured frame does not hold a gocv.Mat")
	}
	return mat, nil
}

// Evaluate rejects frames too dark or with too few trackable corners.
func (g *GocvLocator) Evaluate(frame CapturedFrame) (FrameQuality, bool) {
	mat, err := asMat(frame)
	if err != nil {
		return FrameQuality{}, false
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	meanVal := gray.Mean()
	luminance := meanVal.Val1

	corners := gocv.NewMat()
	defer corners.Close()
	gocv.GoodFeaturesToTrack(gray, &corners, g.MaxFeatures, g.QualityLevel, g.MinDistance)

	quality := FrameQuality{MeanLuminance: luminance, FeatureCount: corners.Rows()}
	ok := luminance >= g.MinLuminance && corners.Rows() >= g.MinFeatureCount
	return quality, ok
}

// PickFeature returns the detected corner farthest from frame center,
// giving the centering loop the largest initial error to correct and
// satisfying the non-central-feature requirement.
func (g *GocvLocator) PickFeature(frame CapturedFrame) (Point, bool) {
	mat, err := asMat(frame)
	if err != nil {
		return Point{}, false
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	corners := gocv.NewMat()
	defer corners.Close()
	gocv.GoodFeaturesToTrack(gray, &corners, g.MaxFeatures, g.QualityLevel, g.MinDistance)
	if corners.Rows() == 0 {
		return Point{}, false
	}

	centerX, centerY := float64(frame.Width)/2, float64(frame.Height)/2
	var best Point
	bestDist := -1.0
	for i := 0; i < corners.Rows(); i++ {
		vec := corners.GetVecfAt(i, 0)
		p := Point{X: float64(vec[0]), Y: float64(vec[1])}
		dx, dy := p.X-centerX, p.Y-centerY
		dist := dx*dx + dy*dy
		if dist > bestDist {
			bestDist = dist
			best = p
		}
	}
	return best, true
}

// Locate crops a small patch around priorPosition from template and
// searches for it in frame via normalized cross-correlation
// (gocv.MatchTemplate with TmCcoeffNormed), returning the best match's
// location and score.
func (g *GocvLocator) Locate(frame, template CapturedFrame, priorPosition Point) (Point, float64, error) {
	frameMat, err := asMat(frame)
	if err != nil {
		return Point{}, 0, err
	}
	templateMat, err := asMat(template)
	if err != nil {
		return Point{}, 0, err
	}

	patchRect := clampRect(
		int(priorPosition.X)-g.TemplateRadius, int(priorPosition.Y)-g.TemplateRadius,
		2*g.TemplateRadius, 2*g.TemplateRadius,
		template.Width, template.Height,
	)
	if patchRect.Dx() == 0 || patchRect.Dy() == 0 {
		return Point{}, 0, fmt.Errorf("template patch out of bounds")
	}
	patch := templateMat.Region(patchRect)
	defer patch.Close()

	searchRect := clampRect(
		patchRect.Min.X-g.SearchMargin, patchRect.Min.Y-g.SearchMargin,
		patchRect.Dx()+2*g.SearchMargin, patchRect.Dy()+2*g.SearchMargin,
		frame.Width, frame.Height,
	)
	search := frameMat.Region(searchRect)
	defer search.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MatchTemplate(search, patch, &result, gocv.TmCcoeffNormed, mask)

	_, maxVal, _, maxLoc := gocv.MinMaxLoc(result)
	found := Point{
		X: float64(searchRect.Min.X + maxLoc.X + patchRect.Dx()/2),
		Y: float64(searchRect.Min.Y + maxLoc.Y + patchRect.Dy()/2),
	}
	return found, float64(maxVal), nil
}

func clampRect(x, y, w, h, maxW, maxH int) image.Rectangle {
	if x < 0 {
		w += x
		x = 0
	}
	if y < 0 {
		h += y
		y = 0
	}
	if x+w > maxW {
		w = maxW - x
	}
	if y+h > maxH {
		h = maxH - y
	}
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return image.Rect(x, y, x+w, y+h)
}
