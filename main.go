package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"github.com/mpromonet/gin-stereo-yolo/stereo"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	mode       = flag.String("mode", "server", "server, image, dir or fps")
	inputPath  = flag.String("input", "", "image file (image, fps) or directory (dir)")
	outputDir  = flag.String("output", "", "output directory, overrides output.dir")
	modelPath  = flag.String("model", "", "path to model file, overrides model.path")
	labelPath  = flag.String("label", "", "path to label file, overrides model.labels")
	iterations = flag.Int("n", 100, "iterations for fps mode")
	crop       = flag.Bool("crop", false, "save a crop per detection")
	count      = flag.Bool("count", false, "log detections per class")
	mono       = flag.Bool("mono", false, "detection only, no stereo")
)

var imageExts = map[string]bool{
	".bmp": true, ".dib": true, ".jpeg": true, ".jpg": true, ".jpe": true, ".png": true,
	".pbm": true, ".pgm": true, ".ppm": true, ".tif": true, ".tiff": true,
}

// applyFlags copies explicitly set flags over the loaded config.
func applyFlags(cfg *AppConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.Output.Dir = *outputDir
		case "model":
			cfg.Model.Path = *modelPath
		case "label":
			cfg.Model.Labels = *labelPath
		case "crop":
			cfg.Output.Crop = *crop
		case "count":
			cfg.Output.Count = *count
		}
	})
}

type app struct {
	cfg      *AppConfig
	model    *Model
	pipeline *Pipeline
	logger   *zap.Logger
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	logger := getLogger(cfg.Server.Debug)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *AppConfig, logger *zap.Logger) error {
	labels, err := loadLabels(cfg.Model.Labels)
	if err != nil {
		return errors.Wrap(err, "labels")
	}
	var anchors []anchor
	if cfg.Model.Decoder == "yolo" {
		if anchors, err = loadAnchors(cfg.Model.Anchors); err != nil {
			return errors.Wrap(err, "anchors")
		}
	}
	post, err := newPostProcessing(cfg.Model, anchors)
	if err != nil {
		return err
	}

	model, err := NewModel(cfg.Model, labels, post, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		model.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
		model.Close()
	}()

	cal, err := cfg.Stereo.calibration()
	if err != nil {
		return err
	}
	params, err := cfg.Stereo.sgbmParams()
	if err != nil {
		return err
	}
	rig, err := stereo.NewRig(cal, params)
	if err != nil {
		return err
	}
	logger.Info("stereo rig",
		zap.Float64("focal", rig.Rect.Focal()),
		zap.Float64("baseline_mm", rig.Rect.Baseline()),
		zap.Int("disparities", params.NumDisparities),
		zap.Int("block", params.BlockSize),
		zap.Stringer("mode", params.Mode))

	a := &app{
		cfg:      cfg,
		model:    model,
		pipeline: NewPipeline(model, rig, model.InputSize(), labels, cfg.Ranging, logger),
		logger:   logger,
	}

	switch *mode {
	case "server":
		return a.serve(ctx)
	case "image":
		if *inputPath == "" {
			return errors.New("-input is required")
		}
		return a.processFile(ctx, *inputPath)
	case "dir":
		return a.processDir(ctx, *inputPath)
	case "fps":
		return a.fps(ctx, *inputPath, *iterations)
	}
	return errors.Errorf("unknown mode %q", *mode)
}

func (a *app) serve(ctx context.Context) error {
	if a.cfg.Camera.Enabled {
		if err := checkCameraFrame(a.cfg.Camera, a.pipeline.FrameSize()); err != nil {
			return err
		}
	}
	store := &snapshotStore{}
	hub := NewHub(func() any {
		return map[string]any{"type": "hello", "frame": a.pipeline.FrameSize(), "labels": a.pipeline.labels}
	}, a.logger)
	results := make(chan FrameResult, 4)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Broadcast(gctx, results)
		return nil
	})
	if a.cfg.Camera.Enabled {
		g.Go(func() error {
			if err := runCamera(gctx, a.cfg.Camera, a.pipeline, store, results, a.logger); err != nil {
				a.logger.Error("camera", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		return NewServer(a.cfg.Server, a.pipeline, hub, store, a.logger).Run(gctx)
	})
	return g.Wait()
}

// processFile handles one image: stereo when it is a side-by-side frame of
// the calibrated size, detection only otherwise.
func (a *app) processFile(ctx context.Context, path string) error {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return errors.Errorf("cannot read %s", path)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := a.cfg.Output.Dir
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	var items []item
	var clean gocv.Mat
	stereoFrame := !*mono && image.Pt(img.Cols(), img.Rows()) == a.pipeline.FrameSize()
	if stereoFrame {
		frame, err := a.pipeline.Process(ctx, img)
		if err != nil {
			return err
		}
		defer frame.Close()
		items = frame.Result.Detections
		clean = img.Region(image.Rect(0, 0, img.Cols()/2, img.Rows()))
		defer clean.Close()

		if ok := gocv.IMWrite(filepath.Join(out, base+".png"), frame.Annotated); !ok {
			return errors.Errorf("cannot write annotated %s", base)
		}
		if ok := gocv.IMWrite(filepath.Join(out, base+"_depth.png"), frame.Depth); !ok {
			return errors.Errorf("cannot write depth %s", base)
		}
		if err := writeDetectionsText(filepath.Join(out, base+".txt"), items); err != nil {
			return err
		}
	} else {
		clean = img.Clone()
		defer clean.Close()
		var err error
		if items, err = a.pipeline.DetectMono(ctx, &img); err != nil {
			return err
		}
		if ok := gocv.IMWrite(filepath.Join(out, base+".png"), img); !ok {
			return errors.Errorf("cannot write annotated %s", base)
		}
	}

	if _, err := writeMapTxt(a.cfg.Output.MapDir, base, items, a.cfg.Output.Classes); err != nil {
		return err
	}
	if a.cfg.Output.Crop {
		paths, err := saveCrops(a.cfg.Output.CropDir, clean, items)
		if err != nil {
			return err
		}
		a.logger.Info("crops saved", zap.Strings("paths", paths))
	}
	if a.cfg.Output.Count {
		for _, c := range countClasses(items, a.pipeline.labels) {
			a.logger.Info("count", zap.String("class", c.Name), zap.Int("count", c.Count))
		}
	}
	for _, it := range items {
		a.logger.Info("detection", zap.String("file", base), zap.String("object", formatDetection(it)))
	}
	return nil
}

func (a *app) processDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	done := 0
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.processFile(ctx, filepath.Join(dir, e.Name())); err != nil {
			a.logger.Warn("skipped", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		done++
	}
	a.logger.Info("directory processed", zap.String("dir", dir), zap.Int("images", done))
	return nil
}

// fps measures the mean latency of the full stereo pipeline on a
// side-by-side frame, or of detection alone otherwise.
func (a *app) fps(ctx context.Context, path string, n int) error {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return errors.Errorf("cannot read %s", path)
	}

	var tact time.Duration
	if !*mono && image.Pt(img.Cols(), img.Rows()) == a.pipeline.FrameSize() {
		if n <= 0 {
			return errors.Errorf("fps needs a positive count, got %d", n)
		}
		start := time.Now()
		for i := 0; i < n; i++ {
			frame, err := a.pipeline.Process(ctx, img)
			if err != nil {
				return err
			}
			frame.Close()
		}
		tact = time.Since(start) / time.Duration(n)
	} else {
		var err error
		if tact, err = a.model.Benchmark(ctx, img, n); err != nil {
			return err
		}
	}
	a.logger.Info("fps",
		zap.Int("iterations", n),
		zap.Duration("tact", tact),
		zap.Float64("fps", 1/tact.Seconds()))
	return nil
}
