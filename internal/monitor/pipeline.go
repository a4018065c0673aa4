// Package monitor wires the capture source, change detector and session
// controller into one frame pipeline.
package monitor

import (
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/notification"
	"github.com/mikeyg42/stillwatch/internal/types"
)

// Detector is the part of the change detector the pipeline drives
type Detector interface {
	Detect(f types.Frame) types.DetectionResult
	Reset()
	Sensitivity() float64
	Region() types.RegionOfInterest
}

// DetectionSink consumes detection results, normally the session controller
type DetectionSink interface {
	OnDetection(r types.DetectionResult)
}

// PipelineStats counts frames through the pipeline
type PipelineStats struct {
	Frames      uint64                 `json:"frames"`
	Activity    uint64                 `json:"activity"`
	Disconnects uint64                 `json:"disconnects"`
	LastResult  *types.DetectionResult `json:"last_result,omitempty"`
}

// Pipeline runs detection on the capture goroutine and forwards results in
// acquisition order.
type Pipeline struct {
	detector    Detector
	sink        DetectionSink
	cameraLabel string
	logger      *zap.Logger

	frames      atomic.Uint64
	activity    atomic.Uint64
	disconnects atomic.Uint64

	mu   sync.RWMutex
	last *types.DetectionResult
}

// NewPipeline creates a pipeline. cameraLabel identifies the device in alerts.
func NewPipeline(detector Detector, sink DetectionSink, cameraLabel string, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		detector:    detector,
		sink:        sink,
		cameraLabel: cameraLabel,
		logger:      logger.Named("pipeline"),
	}
}

// CameraLabel formats a device index or source for alert messages
func CameraLabel(index int, source string) string {
	if source != "" {
		return source
	}
	return strconv.Itoa(index)
}

// OnFrame implements capture.Subscriber
func (p *Pipeline) OnFrame(f types.Frame) {
	r := p.detector.Detect(f)
	p.frames.Add(1)
	if r.ActivityDetected {
		p.activity.Add(1)
	}
	p.record(r)
	p.sink.OnDetection(r)
}

// OnDisconnect implements capture.Subscriber. The background model is stale
// once the camera drops, so learning restarts.
func (p *Pipeline) OnDisconnect(_ types.Frame, r types.DetectionResult) {
	n := p.disconnects.Add(1)
	p.detector.Reset()
	p.logger.Warn("Camera disconnected, detector reset", zap.Uint64("disconnects", n))
	p.record(r)
	p.sink.OnDetection(r)
}

// AlertContext reports the live detector settings for alert templates
func (p *Pipeline) AlertContext() notification.AlertContext {
	return notification.AlertContext{
		CameraIndex: p.cameraLabel,
		Sensitivity: p.detector.Sensitivity(),
		ROIEnabled:  p.detector.Region().Enabled,
	}
}

// Stats returns frame counters and the last result
func (p *Pipeline) Stats() PipelineStats {
	st := PipelineStats{
		Frames:      p.frames.Load(),
		Activity:    p.activity.Load(),
		Disconnects: p.disconnects.Load(),
	}
	p.mu.RLock()
	if p.last != nil {
		r := *p.last
		st.LastResult = &r
	}
	p.mu.RUnlock()
	return st
}

func (p *Pipeline) record(r types.DetectionResult) {
	p.mu.Lock()
	p.last = &r
	p.mu.Unlock()
}
