package main

import (
	"context"
	"image"
	"time"

	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates/edgetpu"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	// ErrModelLoad is returned when the network cannot be turned into an interpreter.
	ErrModelLoad = errors.New("cannot load model")
	// ErrModelStopped is returned by Detect once the worker has exited.
	ErrModelStopped = errors.New("model worker stopped")
)

type detectRequest struct {
	img   gocv.Mat
	reply chan detectReply
}

type detectReply struct {
	items []item
	err   error
}

// Model owns one interpreter; a single worker goroutine runs every inference.
type Model struct {
	model    *tflite.Model
	interp   *tflite.Interpreter
	post     PostProcessing
	cfg      ModelConfig
	labels   []string
	logger   *zap.Logger
	requests chan detectRequest
	done     chan struct{}
	infer    func(gocv.Mat) ([]item, error)
}

func NewModel(cfg ModelConfig, labels []string, post PostProcessing, logger *zap.Logger) (*Model, error) {
	model := tflite.NewModelFromFile(cfg.Path)
	if model == nil {
		return nil, errors.Wrap(ErrModelLoad, cfg.Path)
	}

	options := tflite.NewInterpreterOptions()
	defer options.Delete()

	options.SetNumThread(cfg.Threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		logger.Warn("tflite", zap.String("message", msg))
	}, nil)

	// add TPU
	if cfg.EdgeTPU {
		devices, err := edgetpu.DeviceList()
		if err != nil {
			logger.Warn("could not get EdgeTPU devices", zap.Error(err))
		}
		if len(devices) == 0 {
			logger.Info("no EdgeTPU device found")
		} else {
			logger.Info("using EdgeTPU", zap.String("path", devices[0].Path))
			options.AddDelegate(edgetpu.New(devices[0]))
		}
	}

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		model.Delete()
		return nil, errors.Wrap(ErrModelLoad, "cannot create interpreter")
	}

	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		model.Delete()
		return nil, errors.Wrapf(ErrModelLoad, "allocate failed: %v", status)
	}

	m := &Model{
		model:    model,
		interp:   interpreter,
		post:     post,
		cfg:      cfg,
		labels:   labels,
		logger:   logger,
		requests: make(chan detectRequest),
		done:     make(chan struct{}),
	}
	m.infer = m.detect
	input := interpreter.GetInputTensor(0)
	logger.Info("model loaded",
		zap.String("path", cfg.Path),
		zap.Ints("input", getTensorShape(input)),
		zap.Any("type", input.Type()),
		zap.Int("outputs", interpreter.GetOutputTensorCount()))
	return m, nil
}

func (m *Model) Close() {
	m.interp.Delete()
	m.model.Delete()
}

// InputSize is the network input as width x height.
func (m *Model) InputSize() image.Point {
	input := m.interp.GetInputTensor(0)
	return image.Pt(input.Dim(2), input.Dim(1))
}

// Run serves Detect calls until ctx is done. It must be called once.
func (m *Model) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.requests:
			items, err := m.infer(req.img)
			req.reply <- detectReply{items: items, err: err}
		}
	}
}

// Detect runs the network on a BGR image; img stays owned by the caller.
func (m *Model) Detect(ctx context.Context, img gocv.Mat) ([]item, error) {
	if img.Empty() {
		return nil, errors.New("empty image")
	}
	reply := make(chan detectReply, 1)
	select {
	case m.requests <- detectRequest{img: img, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrModelStopped
	}
	// once accepted the worker reads img, so wait for it even if ctx ends
	r := <-reply
	return r.items, r.err
}

// Benchmark returns the mean time of n detections on img.
func (m *Model) Benchmark(ctx context.Context, img gocv.Mat, n int) (time.Duration, error) {
	if n <= 0 {
		return 0, errors.Errorf("benchmark needs a positive count, got %d", n)
	}
	start := time.Now()
	for i := 0; i < n; i++ {
		if _, err := m.Detect(ctx, img); err != nil {
			return 0, err
		}
	}
	return time.Since(start) / time.Duration(n), nil
}

func (m *Model) detect(img gocv.Mat) ([]item, error) {
	input := m.interp.GetInputTensor(0)
	size := image.Pt(input.Dim(2), input.Dim(1))
	geom := newLetterbox(img.Cols(), img.Rows(), size.X, size.Y, m.cfg.Letterbox)

	if err := fillInput(input, img, geom); err != nil {
		return nil, err
	}

	if status := m.interp.Invoke(); status != tflite.OK {
		return nil, errors.Errorf("invoke failed: %v", status)
	}

	outputs := make([]tensorData, 0, m.interp.GetOutputTensorCount())
	for idx := 0; idx < m.interp.GetOutputTensorCount(); idx++ {
		output, err := readTensor(m.interp.GetOutputTensor(idx))
		if err != nil {
			return nil, err
		}
		m.logger.Debug("output", zap.String("name", output.name), zap.Ints("shape", output.shape))
		outputs = append(outputs, output)
	}

	candidates := m.post.extractResult(outputs, size.X, size.Y, m.cfg.Confidence)
	items := filterOutput(candidates, geom, m.cfg.Confidence, m.cfg.NMS, m.cfg.MaxDetections, m.labels)
	m.logger.Debug("detections", zap.Int("candidates", len(candidates)), zap.Int("items", len(items)))
	return items, nil
}

// fillInput letterboxes img, converts BGR to RGB and scales to the input type.
func fillInput(input *tflite.Tensor, img gocv.Mat, geom letterbox) error {
	padded := gocv.NewMat()
	defer padded.Close()
	geom.apply(img, &padded)

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(padded, &rgb, gocv.ColorBGRToRGB)

	switch input.Type() {
	case tflite.UInt8:
		v, err := rgb.DataPtrUint8()
		if err != nil {
			return err
		}
		copy(input.UInt8s(), v)
	case tflite.Float32:
		resized := gocv.NewMat()
		defer resized.Close()
		rgb.ConvertTo(&resized, gocv.MatTypeCV32F)
		v, err := resized.DataPtrFloat32()
		if err != nil {
			return err
		}
		for i := 0; i < len(v); i++ {
			v[i] = v[i] / 255
		}
		input.SetFloat32s(v)
	default:
		return errors.Errorf("unsupported input type %v", input.Type())
	}
	return nil
}
