package motion

import (
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/types"
)

const testSize = 100

func testMotionConfig() config.MotionConfig {
	return config.MotionConfig{
		Sensitivity:      1.0,
		MinContourArea:   100,
		LearningRate:     0.05,
		LearningFrames:   30,
		SensitivityScale: 2,
		BlurSize:         5,
		DiffThreshold:    25,
	}
}

// frameWithSquare returns a black BGR frame with a white square in rect.
func frameWithSquare(rect image.Rectangle, seq uint64) types.Frame {
	f := types.NewBlankFrame(testSize, testSize, 3, time.Unix(1700000000, 0).Add(time.Duration(seq)*time.Second/15))
	f.Seq = seq
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			i := (y*testSize + x) * 3
			f.Pix[i], f.Pix[i+1], f.Pix[i+2] = 255, 255, 255
		}
	}
	return f
}

func newTestDetector(t *testing.T, cfg config.MotionConfig) *Detector {
	t.Helper()
	d, err := NewDetector(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestLearningPhaseSuppressesActivity(t *testing.T) {
	d := newTestDetector(t, testMotionConfig())

	flicker := image.Rect(5, 5, 45, 45)
	for i := 1; i <= 30; i++ {
		rect := image.Rectangle{}
		if i%2 == 0 {
			rect = flicker
		}
		res := d.Detect(frameWithSquare(rect, uint64(i)))
		assert.False(t, res.ActivityDetected, "frame %d reported activity during learning", i)
	}
	assert.False(t, d.IsLearning())

	res := d.Detect(frameWithSquare(image.Rect(55, 55, 95, 95), 31))
	assert.True(t, res.ActivityDetected)
	assert.Greater(t, res.Magnitude, 0.0)
}

func TestStaticSceneAfterLearningIsIdle(t *testing.T) {
	d := newTestDetector(t, testMotionConfig())
	for i := 1; i <= 40; i++ {
		res := d.Detect(frameWithSquare(image.Rect(20, 20, 40, 40), uint64(i)))
		assert.False(t, res.ActivityDetected, "frame %d", i)
	}
	st := d.Stats()
	assert.Equal(t, int64(40), st.FramesProcessed)
	assert.Zero(t, st.ActivityFrames)
	assert.False(t, st.Learning)
}

func TestRegionOfInterestIgnoresOutsideChanges(t *testing.T) {
	cfg := testMotionConfig()
	cfg.Region = types.RegionOfInterest{Enabled: true, X: 0, Y: 0, Width: 50, Height: 50}
	d := newTestDetector(t, cfg)

	for i := 1; i <= 30; i++ {
		d.Detect(frameWithSquare(image.Rectangle{}, uint64(i)))
	}

	outside := d.Detect(frameWithSquare(image.Rect(60, 60, 95, 95), 31))
	assert.False(t, outside.ActivityDetected)
	assert.True(t, outside.RegionUsed)

	inside := d.Detect(frameWithSquare(image.Rect(5, 5, 45, 45), 32))
	assert.True(t, inside.ActivityDetected)
}

func TestResetRestartsLearning(t *testing.T) {
	cfg := testMotionConfig()
	cfg.LearningFrames = 5
	d := newTestDetector(t, cfg)

	for i := 1; i <= 5; i++ {
		d.Detect(frameWithSquare(image.Rectangle{}, uint64(i)))
	}
	require.False(t, d.IsLearning())

	d.Reset()
	assert.True(t, d.IsLearning())
	res := d.Detect(frameWithSquare(image.Rect(10, 10, 90, 90), 6))
	assert.False(t, res.ActivityDetected)
}

func TestSetRegionValidatesAndResets(t *testing.T) {
	d := newTestDetector(t, testMotionConfig())
	for i := 1; i <= 3; i++ {
		d.Detect(frameWithSquare(image.Rectangle{}, uint64(i)))
	}

	err := d.SetRegion(types.RegionOfInterest{Enabled: true, X: -1, Y: 0, Width: 10, Height: 10})
	var cerr *config.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.False(t, d.Region().Enabled)

	roi := types.RegionOfInterest{Enabled: true, X: 10, Y: 10, Width: 20, Height: 20}
	require.NoError(t, d.SetRegion(roi))
	assert.Equal(t, roi, d.Region())
	assert.Equal(t, 0.0, d.Stats().LearningProgress)
}

func TestUpdateSensitivity(t *testing.T) {
	d := newTestDetector(t, testMotionConfig())

	require.NoError(t, d.UpdateSensitivity(0.5))
	assert.Equal(t, 0.5, d.Sensitivity())
	assert.InDelta(t, 150.0, d.Stats().EffectiveMinArea, 1e-9)

	for _, bad := range []float64{0, 0.05, 1.01, -1} {
		assert.Error(t, d.UpdateSensitivity(bad))
		assert.Equal(t, 0.5, d.Sensitivity())
	}
}

func TestEffectiveMinArea(t *testing.T) {
	tests := []struct {
		base, sens, scale, want float64
	}{
		{500, 1, 2, 500},
		{500, 0.5, 2, 750},
		{500, 0.1, 2, 950},
		{500, 0.5, 20, 5250},
		{500, 1, 20, 500},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, EffectiveMinArea(tt.base, tt.sens, tt.scale), 1e-9)
	}
	// higher sensitivity never raises the threshold
	assert.Less(t, EffectiveMinArea(500, 0.9, 2), EffectiveMinArea(500, 0.3, 2))
}

func TestInvalidFramesReportNoActivity(t *testing.T) {
	d := newTestDetector(t, testMotionConfig())

	res := d.Detect(types.Frame{Width: 10, Height: 10, Channels: 3, Pix: make([]byte, 5)})
	assert.False(t, res.ActivityDetected)
	assert.False(t, res.Timestamp.IsZero())
	assert.Equal(t, int64(1), d.Stats().Errors)
}

func TestNewDetectorRejectsBadConfig(t *testing.T) {
	cfg := testMotionConfig()
	cfg.Sensitivity = 0
	_, err := NewDetector(cfg, nil, nil)
	assert.Error(t, err)

	cfg = testMotionConfig()
	cfg.MinContourArea = 0
	_, err = NewDetector(cfg, nil, nil)
	assert.Error(t, err)
}

func TestClosedDetectorIsInert(t *testing.T) {
	d, err := NewDetector(testMotionConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	res := d.Detect(frameWithSquare(image.Rect(0, 0, 50, 50), 1))
	assert.False(t, res.ActivityDetected)
}
