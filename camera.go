package main

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	cameraRetry    = 100 * time.Millisecond
	cameraMaxFails = 50
)

// snapshotStore keeps the latest encoded images and result of the camera loop.
type snapshotStore struct {
	mu        sync.RWMutex
	annotated []byte
	depth     []byte
	result    *FrameResult
}

func (s *snapshotStore) set(frame *Frame) error {
	annotated, err := encodeJPEG(frame.Annotated)
	if err != nil {
		return err
	}
	depth, err := encodeJPEG(frame.Depth)
	if err != nil {
		return err
	}
	result := frame.Result
	s.mu.Lock()
	s.annotated, s.depth, s.result = annotated, depth, &result
	s.mu.Unlock()
	return nil
}

func (s *snapshotStore) latest() (annotated, depth []byte, result *FrameResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.annotated, s.depth, s.result
}

func encodeJPEG(img gocv.Mat) ([]byte, error) {
	if img.Empty() {
		return nil, errors.New("empty image")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// checkCameraFrame fails when the configured capture size is not the
// side-by-side frame the rig was calibrated for.
func checkCameraFrame(cfg CameraConfig, frame image.Point) error {
	if got := image.Pt(cfg.Width, cfg.Height); got != frame {
		return errors.Errorf("camera size %v does not match calibrated frame %v", got, frame)
	}
	return nil
}

// runCamera reads side-by-side frames until ctx is done. Results are offered
// to out without blocking; a slow consumer only misses frames.
func runCamera(ctx context.Context, cfg CameraConfig, p *Pipeline, store *snapshotStore, out chan<- FrameResult, logger *zap.Logger) error {
	capture, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return errors.Wrapf(err, "open camera %s", cfg.Device)
	}
	defer capture.Close()

	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	logger.Info("camera opened",
		zap.String("device", cfg.Device),
		zap.Float64("width", capture.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", capture.Get(gocv.VideoCaptureFrameHeight)))

	frame := gocv.NewMat()
	defer frame.Close()

	fails := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if ok := capture.Read(&frame); !ok || frame.Empty() {
			fails++
			if fails >= cameraMaxFails {
				return errors.Errorf("camera %s stopped delivering frames", cfg.Device)
			}
			time.Sleep(cameraRetry)
			continue
		}
		fails = 0

		result, err := p.Process(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("frame dropped", zap.Error(err))
			continue
		}
		if err := store.set(result); err != nil {
			logger.Warn("snapshot", zap.Error(err))
		}
		select {
		case out <- result.Result:
		default:
			logger.Debug("stream busy, result skipped", zap.String("id", result.Result.ID))
		}
		result.Close()
	}
}
