package pipewire

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/capture"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"github.com/tinyzimmer/go-gst/gst/video"
)

// NodeGrant is a capture grant naming the PipeWire node to read from
type NodeGrant interface {
	capture.Grant
	NodeID() uint32
}

var initOnce sync.Once

// Surface reads a PipeWire node through a GStreamer appsink into a fixed
// ring of buffers
type Surface struct {
	nodeID   uint32
	pipeline *gst.Pipeline
	appsink  *app.Sink
	ring     *capture.BufferRing

	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open builds and starts the pipeline for nodeID. depth bounds both the
// appsink queue and the ring of buffers handed to consumers.
func Open(nodeID uint32, depth int) (*Surface, error) {
	log := logger.WithComponent("gstreamer")

	initOnce.Do(func() { gst.Init(nil) })

	// Polling instead of emit-signals avoids CGO callbacks into Go
	pipelineStr := fmt.Sprintf(
		"pipewiresrc path=%d do-timestamp=true ! "+
			"videoconvert ! "+
			"video/x-raw,format=RGBA ! "+
			"appsink name=sink emit-signals=false max-buffers=%d drop=true",
		nodeID, depth,
	)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return nil, fmt.Errorf("failed to get appsink: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.Unref()
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	s := &Surface{
		nodeID:   nodeID,
		pipeline: pipeline,
		appsink:  app.SinkFromElement(sinkElement),
		ring:     capture.NewBufferRing(depth),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.pollSamples()

	log.Info().Uint32("node_id", nodeID).Int("depth", depth).Msg("GStreamer pipeline started")
	return s, nil
}

// OpenSurface implements capture.SurfaceFactory for grants carrying a node id
func OpenSurface(grant capture.Grant, depth int) (capture.Surface, error) {
	ng, ok := grant.(NodeGrant)
	if !ok {
		return nil, fmt.Errorf("grant %s does not name a PipeWire node", grant.ID())
	}
	return Open(ng.NodeID(), depth)
}

// ID implements capture.Surface
func (s *Surface) ID() string {
	return fmt.Sprintf("pipewire:%d", s.nodeID)
}

// AcquireLatest implements capture.Surface
func (s *Surface) AcquireLatest() (capture.Buffer, error) {
	return s.ring.AcquireLatest()
}

// Dropped returns how many samples were lost because every buffer was checked out
func (s *Surface) Dropped() uint64 {
	return s.ring.Dropped()
}

// Close stops polling and tears the pipeline down
func (s *Surface) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		<-s.done

		s.ring.Close()
		if serr := s.pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("failed to stop pipeline: %w", serr)
		}
		s.pipeline.Unref()
		logger.WithComponent("gstreamer").Info().Uint32("node_id", s.nodeID).Msg("GStreamer pipeline stopped")
	})
	return err
}

// pollSamples moves samples from the appsink into the ring
func (s *Surface) pollSamples() {
	defer close(s.done)
	log := logger.WithComponent("gstreamer")

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			log.Debug().Msg("Sample polling stopped")
			return
		case <-ticker.C:
			// Zero timeout returns immediately when nothing is queued.
			// go-gst unrefs the sample itself; unreffing here double-frees.
			sample := s.appsink.TryPullSample(0)
			if sample == nil {
				continue
			}
			if err := s.processSample(sample); err != nil {
				log.Debug().Err(err).Msg("Skipping sample")
			}
		}
	}
}

// processSample copies one mapped buffer into the ring and unmaps it
func (s *Surface) processSample(sample *gst.Sample) error {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return fmt.Errorf("sample has no buffer")
	}
	caps := sample.GetCaps()
	if caps == nil {
		return fmt.Errorf("sample has no caps")
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return fmt.Errorf("caps have no structure")
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok || w <= 0 {
		return fmt.Errorf("caps width %v", width)
	}
	h, ok := height.(int)
	if !ok || h <= 0 {
		return fmt.Errorf("caps height %v", height)
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return fmt.Errorf("failed to map buffer")
	}
	defer buffer.Unmap()

	data := mapInfo.Bytes()
	capsStride := 0
	if info := video.InfoFromCaps(caps); info != nil {
		if strides := info.Stride(); len(strides) > 0 {
			capsStride = strides[0]
		}
	}
	img := capture.RawImage{
		Width:       w,
		Height:      h,
		RowStride:   rowStride(capsStride, len(data), w, h),
		PixelStride: 4,
		Format:      capture.FormatRGBA,
		Pix:         data,
	}
	if err := img.Validate(); err != nil {
		return err
	}

	if !s.ring.Push(img, time.Now()) {
		return fmt.Errorf("all %d buffers checked out", s.ring.Depth())
	}
	return nil
}

// rowStride prefers the stride negotiated in the caps. The mapped size is
// only trusted when the caps carry none, since it may include trailing
// plane alignment.
func rowStride(capsStride, size, width, height int) int {
	if capsStride >= width*4 && capsStride*(height-1)+width*4 <= size {
		return capsStride
	}
	return size / height
}
