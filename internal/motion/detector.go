package motion

import (
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/logging"
	"github.com/mikeyg42/stillwatch/internal/metrics"
	"github.com/mikeyg42/stillwatch/internal/types"
)

// Sensitivity bounds accepted at runtime.
const (
	MinRuntimeSensitivity = 0.1
	MaxRuntimeSensitivity = 1.0
)

// DetectionError wraps a per-frame processing failure.
type DetectionError struct {
	Seq uint64
	Err error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect frame %d: %v", e.Seq, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Detector decides per frame whether meaningful activity happened, using a
// running-average background model
type Detector struct {
	cfg     config.MotionConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	background    gocv.Mat
	hasBackground bool
	bgSize        image.Point
	learned       int
	openKernel    gocv.Mat
	closeKernel   gocv.Mat
	closed        bool
	stats         Stats
}

// Stats summarises detector activity
type Stats struct {
	FramesProcessed   int64         `json:"frames_processed"`
	ActivityFrames    int64         `json:"activity_frames"`
	Errors            int64         `json:"errors"`
	Learning          bool          `json:"learning"`
	LearningProgress  float64       `json:"learning_progress"`
	LastMagnitude     float64       `json:"last_magnitude"`
	LastActivityTime  time.Time     `json:"last_activity_time"`
	LastProcessedTime time.Time     `json:"last_processed_time"`
	ProcessingTime    time.Duration `json:"processing_time"`
	AverageProcessing time.Duration `json:"average_processing"`
	Sensitivity       float64       `json:"sensitivity"`
	EffectiveMinArea  float64       `json:"effective_min_area"`
	RegionEnabled     bool          `json:"region_enabled"`
}

// NewDetector creates a detector in its learning phase.
func NewDetector(cfg config.MotionConfig, logger *zap.Logger, m *metrics.Metrics) (*Detector, error) {
	if cfg.Sensitivity <= 0 || cfg.Sensitivity > 1 {
		return nil, &config.ConfigError{Field: "motion.sensitivity", Value: cfg.Sensitivity, Reason: "must be in (0, 1]"}
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		return nil, &config.ConfigError{Field: "motion.background_learning_rate", Value: cfg.LearningRate, Reason: "must be in (0, 1]"}
	}
	if cfg.MinContourArea < 1 {
		return nil, &config.ConfigError{Field: "motion.min_contour_area", Value: cfg.MinContourArea, Reason: "must be at least 1"}
	}
	if err := cfg.Region.Validate(); err != nil {
		return nil, &config.ConfigError{Field: "motion.region_of_interest", Value: cfg.Region, Reason: err.Error()}
	}
	if cfg.BlurSize < 1 || cfg.BlurSize%2 == 0 {
		cfg.BlurSize = 5
	}
	if cfg.DiffThreshold <= 0 {
		cfg.DiffThreshold = 25
	}
	if cfg.SensitivityScale < 1 {
		cfg.SensitivityScale = 2
	}
	if cfg.LearningFrames < 0 {
		cfg.LearningFrames = 0
	}

	return &Detector{
		cfg:         cfg,
		logger:      logging.OrNop(logger).Named("motion"),
		metrics:     m,
		openKernel:  gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 3, Y: 3}),
		closeKernel: gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 5, Y: 5}),
	}, nil
}

// Detect processes one frame. It never fails: processing errors are logged
// and reported as no activity.
func (d *Detector) Detect(f types.Frame) types.DetectionResult {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	result := types.DetectionResult{Timestamp: ts}
	if d.closed {
		return result
	}

	start := time.Now()
	area, regionUsed, learning, err := d.processFrameSafe(f)
	took := time.Since(start)

	d.stats.FramesProcessed++
	d.stats.ProcessingTime = took
	d.stats.AverageProcessing += (took - d.stats.AverageProcessing) / time.Duration(d.stats.FramesProcessed)
	d.stats.LastProcessedTime = ts

	if err != nil {
		d.stats.Errors++
		d.metrics.DetectionFailed()
		d.logger.Warn("Frame processing failed", zap.Error(&DetectionError{Seq: f.Seq, Err: err}))
		return result
	}

	result.RegionUsed = regionUsed
	result.Magnitude = area
	result.ActivityDetected = !learning && area > 0

	d.stats.LastMagnitude = area
	if result.ActivityDetected {
		d.stats.ActivityFrames++
		d.stats.LastActivityTime = ts
	}
	d.metrics.ObserveDetection(result.ActivityDetected, took)
	return result
}

// processFrameSafe turns panics from the image pipeline into errors
func (d *Detector) processFrameSafe(f types.Frame) (area float64, regionUsed, learning bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.processFrame(f)
}

func (d *Detector) processFrame(f types.Frame) (float64, bool, bool, error) {
	if err := f.Validate(); err != nil {
		return 0, false, false, err
	}

	src, err := gocv.NewMatFromBytes(f.Height, f.Width, matType(f.Channels), f.Pix)
	if err != nil {
		return 0, false, false, fmt.Errorf("wrap frame: %w", err)
	}
	defer src.Close()

	// Convert to grayscale if needed
	work := src
	if f.Channels > 1 {
		gray := gocv.NewMat()
		defer gray.Close()
		code := gocv.ColorBGRToGray
		if f.Channels == 4 {
			code = gocv.ColorBGRAToGray
		}
		gocv.CvtColor(src, &gray, code)
		work = gray
	}

	// Crop to the region of interest
	regionUsed := false
	if rect, ok := d.cfg.Region.Effective(f.Width, f.Height); ok {
		region := work.Region(rect)
		defer region.Close()
		work = region
		regionUsed = true
	}

	// Blur to suppress sensor noise
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(work, &blurred, image.Point{X: d.cfg.BlurSize, Y: d.cfg.BlurSize}, 0, 0, gocv.BorderDefault)

	current := gocv.NewMat()
	defer current.Close()
	blurred.ConvertTo(&current, gocv.MatTypeCV32F)

	size := image.Point{X: current.Cols(), Y: current.Rows()}
	if !d.hasBackground || d.bgSize != size {
		if d.hasBackground {
			d.logger.Info("Frame geometry changed, relearning background",
				zap.Int("width", size.X), zap.Int("height", size.Y))
		}
		d.resetLocked()
		d.background = current.Clone()
		d.hasBackground = true
		d.bgSize = size
		d.learned = 1
		return 0, regionUsed, true, nil
	}

	learning := d.learned < d.cfg.LearningFrames
	if learning {
		d.learned++
	}
	alpha := d.cfg.LearningRate
	if !learning {
		alpha *= 0.1
	}

	// Foreground is the absolute difference to the background model
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(current, d.background, &diff)

	// Adapt the model after comparing against it
	gocv.AddWeighted(d.background, 1-alpha, current, alpha, 0, &d.background)

	if learning {
		return 0, regionUsed, true, nil
	}

	diff8 := gocv.NewMat()
	defer diff8.Close()
	diff.ConvertTo(&diff8, gocv.MatTypeCV8U)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(diff8, &mask, float32(d.cfg.DiffThreshold), 255, gocv.ThresholdBinary)

	// Remove speckle, then fill gaps
	opened := gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(mask, &opened, gocv.MorphOpen, d.openKernel)

	smoothed := gocv.NewMat()
	defer smoothed.Close()
	gocv.MorphologyEx(opened, &smoothed, gocv.MorphClose, d.closeKernel)

	contours := gocv.FindContours(smoothed, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	minArea := d.effectiveMinArea()
	var total float64
	for i := 0; i < contours.Size(); i++ {
		if area := gocv.ContourArea(contours.At(i)); area >= minArea {
			total += area
		}
	}
	return total, regionUsed, false, nil
}

func (d *Detector) effectiveMinArea() float64 {
	return EffectiveMinArea(float64(d.cfg.MinContourArea), d.cfg.Sensitivity, d.cfg.SensitivityScale)
}

// EffectiveMinArea scales base inversely with sensitivity: at sensitivity 1
// the threshold equals base, at sensitivity 0 it is base*scale.
func EffectiveMinArea(base, sensitivity, scale float64) float64 {
	return base * (1 + (scale-1)*(1-sensitivity))
}

// UpdateSensitivity changes the sensitivity at runtime. Values outside
// [0.1, 1] are rejected and the previous value is kept.
func (d *Detector) UpdateSensitivity(s float64) error {
	if s < MinRuntimeSensitivity || s > MaxRuntimeSensitivity {
		return &config.ConfigError{Field: "motion.sensitivity", Value: s,
			Reason: fmt.Sprintf("must be in [%.1f, %.1f]", MinRuntimeSensitivity, MaxRuntimeSensitivity)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.cfg.Sensitivity
	d.cfg.Sensitivity = s
	d.logger.Info("Sensitivity updated",
		zap.Float64("old", old), zap.Float64("new", s),
		zap.Float64("effective_min_area", d.effectiveMinArea()))
	return nil
}

// Sensitivity returns the current sensitivity.
func (d *Detector) Sensitivity() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Sensitivity
}

// Region returns the configured region of interest.
func (d *Detector) Region() types.RegionOfInterest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Region
}

// SetRegion replaces the region of interest and restarts learning. A
// malformed region is rejected and the previous one kept.
func (d *Detector) SetRegion(roi types.RegionOfInterest) error {
	if err := roi.Validate(); err != nil {
		return &config.ConfigError{Field: "motion.region_of_interest", Value: roi, Reason: err.Error()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Region = roi
	d.resetLocked()
	d.logger.Info("Region of interest updated",
		zap.Bool("enabled", roi.Enabled),
		zap.Int("x", roi.X), zap.Int("y", roi.Y),
		zap.Int("width", roi.Width), zap.Int("height", roi.Height))
	return nil
}

// Reset clears the background model and restarts the learning phase.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	d.logger.Info("Background model reset")
}

func (d *Detector) resetLocked() {
	if d.hasBackground {
		d.background.Close()
		d.hasBackground = false
	}
	d.bgSize = image.Point{}
	d.learned = 0
}

// IsLearning reports whether the detector is still in its learning phase.
func (d *Detector) IsLearning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isLearningLocked()
}

func (d *Detector) isLearningLocked() bool {
	return !d.hasBackground || d.learned < d.cfg.LearningFrames
}

// Stats returns a copy of the detector statistics.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.stats
	st.Learning = d.isLearningLocked()
	st.LearningProgress = 1
	if d.cfg.LearningFrames > 0 {
		st.LearningProgress = min(1, float64(d.learned)/float64(d.cfg.LearningFrames))
	}
	st.Sensitivity = d.cfg.Sensitivity
	st.EffectiveMinArea = d.effectiveMinArea()
	st.RegionEnabled = d.cfg.Region.Enabled
	return st
}

// ResetStats clears counters without touching the background model.
func (d *Detector) ResetStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = Stats{}
}

// Close releases native resources. Later Detect calls report no activity.
// Safe to call repeatedly.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.resetLocked()
	d.openKernel.Close()
	d.closeKernel.Close()
	return nil
}

func matType(channels int) gocv.MatType {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1
	case 4:
		return gocv.MatTypeCV8UC4
	default:
		return gocv.MatTypeCV8UC3
	}
}
