package main

import (
	"context"
	"image"
	"image/color"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"github.com/mpromonet/gin-stereo-yolo/stereo"
)

// maxStereo bounds concurrent disparity computations; each holds a full cost volume.
const maxStereo = 2

type detector interface {
	Detect(ctx context.Context, img gocv.Mat) ([]item, error)
}

// FrameResult is what a processed side-by-side frame reports.
type FrameResult struct {
	ID         string       `json:"id"`
	Time       time.Time    `json:"time"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Detections []item       `json:"detections"`
	Counts     []classCount `json:"counts"`
	ValidRatio float64      `json:"valid_ratio"`
	ElapsedMs  float64      `json:"elapsed_ms"`
}

// Frame carries the images built for a result; Close releases them.
type Frame struct {
	Result    FrameResult
	Annotated gocv.Mat
	Depth     gocv.Mat
	Disparity *stereo.Disparity
}

func (f *Frame) Close() {
	f.Annotated.Close()
	f.Depth.Close()
}

// Pipeline fuses detection on the left camera with stereo depth.
type Pipeline struct {
	detector detector
	rig      *stereo.Rig
	ranger   ranger
	labels   []string
	colors   []color.RGBA
	input    image.Point
	logger   *zap.Logger
	slots    chan struct{}
}

func NewPipeline(det detector, rig *stereo.Rig, input image.Point, labels []string, cfg RangingConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		detector: det,
		rig:      rig,
		ranger:   ranger{rect: rig.Rect, window: cfg.Window, rectifyCenter: cfg.RectifyCenter},
		labels:   labels,
		colors:   classColors(len(labels)),
		input:    input,
		logger:   logger,
		slots:    make(chan struct{}, maxStereo),
	}
}

// FrameSize is the expected side-by-side frame size.
func (p *Pipeline) FrameSize() image.Point {
	s := p.rig.Size()
	return image.Pt(2*s.X, s.Y)
}

// Process handles one side-by-side BGR frame, left camera on the left half.
func (p *Pipeline) Process(ctx context.Context, frame gocv.Mat) (*Frame, error) {
	start := time.Now()
	want := p.FrameSize()
	if got := image.Pt(frame.Cols(), frame.Rows()); got != want {
		return nil, errors.Wrapf(stereo.ErrSizeMismatch, "frame %v, expected %v", got, want)
	}
	half := want.X / 2

	left := frame.Region(image.Rect(0, 0, half, want.Y))
	defer left.Close()
	right := frame.Region(image.Rect(half, 0, want.X, want.Y))
	defer right.Close()

	annotated := left.Clone()
	leftGray, err := toGray(left)
	if err != nil {
		annotated.Close()
		return nil, err
	}
	rightGray, err := toGray(right)
	if err != nil {
		annotated.Close()
		return nil, err
	}

	var items []item
	var depth *stereo.Depth
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		items, err = p.detector.Detect(gctx, annotated)
		return errors.Wrap(err, "detect")
	})
	g.Go(func() (err error) {
		depth, err = p.computeDepth(gctx, leftGray, rightGray)
		return errors.Wrap(err, "stereo")
	})
	if err := g.Wait(); err != nil {
		annotated.Close()
		return nil, err
	}

	p.ranger.locateAll(items, depth.Cloud)
	annotate(&annotated, items, p.colors, p.input)

	result := FrameResult{
		ID:         uuid.NewString(),
		Time:       start,
		Width:      want.X,
		Height:     want.Y,
		Detections: items,
		Counts:     countClasses(items, p.labels),
		ValidRatio: float64(depth.Disparity.ValidCount()) / float64(len(depth.Disparity.Data)),
		ElapsedMs:  float64(time.Since(start).Microseconds()) / 1000,
	}
	p.logger.Debug("frame processed",
		zap.String("id", result.ID),
		zap.Int("detections", len(items)),
		zap.Float64("valid_ratio", result.ValidRatio),
		zap.Float64("elapsed_ms", result.ElapsedMs))

	return &Frame{
		Result:    result,
		Annotated: annotated,
		Depth:     depthPreview(depth.Disparity),
		Disparity: depth.Disparity,
	}, nil
}

// computeDepth runs the rig once a slot is free.
func (p *Pipeline) computeDepth(ctx context.Context, left, right *image.Gray) (*stereo.Depth, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.slots }()
	return p.rig.Process(ctx, left, right)
}

// DetectMono runs detection only, on any image, and annotates it in place.
func (p *Pipeline) DetectMono(ctx context.Context, img *gocv.Mat) ([]item, error) {
	items, err := p.detector.Detect(ctx, *img)
	if err != nil {
		return nil, err
	}
	annotate(img, items, p.colors, p.input)
	return items, nil
}

func toGray(src gocv.Mat) (*image.Gray, error) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	buf := gray.ToBytes()
	if len(buf) != gray.Cols()*gray.Rows() {
		return nil, errors.Errorf("grey conversion gave %d bytes for %dx%d", len(buf), gray.Cols(), gray.Rows())
	}
	return &image.Gray{Pix: buf, Stride: gray.Cols(), Rect: image.Rect(0, 0, gray.Cols(), gray.Rows())}, nil
}

// depthPreview colours the normalized disparity with the jet map.
func depthPreview(d *stereo.Disparity) gocv.Mat {
	norm := stereo.Normalize(d)
	colored := gocv.NewMat()
	gray, err := gocv.NewMatFromBytes(d.Height, d.Width, gocv.MatTypeCV8U, norm.Pix)
	if err != nil {
		return colored
	}
	defer gray.Close()
	gocv.ApplyColorMap(gray, &colored, gocv.ColormapJet)
	return colored
}
