package main

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"

	"github.com/mpromonet/gin-stereo-yolo/stereo"
)

const envPrefix = "STEREOYOLO_"

// ServerConfig defines the HTTP server
type ServerConfig struct {
	Addr   string `koanf:"addr"`
	Static string `koanf:"static"`
	Debug  bool   `koanf:"debug"`
}

// ModelConfig defines the detector
type ModelConfig struct {
	Path          string  `koanf:"path"`
	Labels        string  `koanf:"labels"`
	Anchors       string  `koanf:"anchors"`
	AnchorsMask   [][]int `koanf:"anchorsmask"`
	Decoder       string  `koanf:"decoder"`
	Normalized    bool    `koanf:"normalized"`
	Threads       int     `koanf:"threads"`
	EdgeTPU       bool    `koanf:"edgetpu"`
	Confidence    float32 `koanf:"confidence"`
	NMS           float32 `koanf:"nms"`
	Letterbox     bool    `koanf:"letterbox"`
	MaxDetections int     `koanf:"maxdetections"`
}

// StereoConfig defines the calibration file and the matcher knobs
type StereoConfig struct {
	Calibration       string `koanf:"calibration"`
	Num               int    `koanf:"num"`
	BlockSize         int    `koanf:"blocksize"`
	Channels          int    `koanf:"channels"`
	Mode              string `koanf:"mode"`
	Disp12MaxDiff     int    `koanf:"disp12maxdiff"`
	PreFilterCap      int    `koanf:"prefiltercap"`
	UniquenessRatio   int    `koanf:"uniquenessratio"`
	SpeckleWindowSize int    `koanf:"specklewindowsize"`
	SpeckleRange      int    `koanf:"specklerange"`
}

// CameraConfig defines the side-by-side capture device
type CameraConfig struct {
	Enabled bool   `koanf:"enabled"`
	Device  string `koanf:"device"`
	Width   int    `koanf:"width"`
	Height  int    `koanf:"height"`
}

// RangingConfig defines how a distance is read for a box
type RangingConfig struct {
	Window        int  `koanf:"window"`
	RectifyCenter bool `koanf:"rectifycenter"`
}

// OutputConfig defines where files are written
type OutputConfig struct {
	Dir     string   `koanf:"dir"`
	CropDir string   `koanf:"cropdir"`
	MapDir  string   `koanf:"mapdir"`
	Classes []string `koanf:"classes"`
	Crop    bool     `koanf:"crop"`
	Count   bool     `koanf:"count"`
}

// AppConfig groups every section
type AppConfig struct {
	Server  ServerConfig  `koanf:"server"`
	Model   ModelConfig   `koanf:"model"`
	Stereo  StereoConfig  `koanf:"stereo"`
	Camera  CameraConfig  `koanf:"camera"`
	Ranging RangingConfig `koanf:"ranging"`
	Output  OutputConfig  `koanf:"output"`
}

func defaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"server.addr":              ":8080",
		"server.static":            "./static",
		"server.debug":             false,
		"model.path":               "models/yolov5s.tflite",
		"model.labels":             "model_data/coco_classes.txt",
		"model.anchors":            "model_data/yolo_anchors.txt",
		"model.anchorsmask":        [][]int{{6, 7, 8}, {3, 4, 5}, {0, 1, 2}},
		"model.decoder":            "yolo",
		"model.normalized":         true,
		"model.threads":            4,
		"model.edgetpu":            true,
		"model.confidence":         0.5,
		"model.nms":                0.3,
		"model.letterbox":          true,
		"model.maxdetections":      100,
		"stereo.calibration":       "",
		"stereo.num":               6,
		"stereo.blocksize":         10,
		"stereo.channels":          3,
		"stereo.mode":              "hh",
		"stereo.disp12maxdiff":     -1,
		"stereo.prefiltercap":      1,
		"stereo.uniquenessratio":   10,
		"stereo.specklewindowsize": 100,
		"stereo.specklerange":      100,
		"camera.enabled":           false,
		"camera.device":            "0",
		"camera.width":             1280,
		"camera.height":            480,
		"ranging.window":           2,
		"ranging.rectifycenter":    true,
		"output.dir":               "img_out",
		"output.cropdir":           "img_crop",
		"output.mapdir":            "map_out",
		"output.classes":           []string{},
		"output.crop":              false,
		"output.count":             false,
	}
}

// loadConfig layers defaults, the optional YAML file and STEREOYOLO_ environment variables.
func loadConfig(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfig(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "defaults")
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "cannot load %s", filePath)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(s string, v string) (string, interface{}) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// Validate is for rules koanf cannot express
func (c *AppConfig) Validate() error {
	if c.Model.Path == "" {
		return errors.New("model.path is empty")
	}
	if c.Model.Confidence <= 0 || c.Model.Confidence > 1 {
		return errors.Errorf("model.confidence %v out of (0,1]", c.Model.Confidence)
	}
	if c.Model.NMS <= 0 || c.Model.NMS > 1 {
		return errors.Errorf("model.nms %v out of (0,1]", c.Model.NMS)
	}
	switch c.Model.Decoder {
	case "yolo", "ssd":
	default:
		return errors.Errorf("unknown model.decoder %q", c.Model.Decoder)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return errors.Errorf("camera size %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Stereo.Num < 1 {
		return errors.Errorf("stereo.num %d must be at least 1", c.Stereo.Num)
	}
	if _, err := stereo.ParseMode(c.Stereo.Mode); err != nil {
		return err
	}
	if c.Ranging.Window < 0 {
		return errors.Errorf("ranging.window %d is negative", c.Ranging.Window)
	}
	return nil
}

// sgbmParams derives the matcher settings from the stereo section.
func (c StereoConfig) sgbmParams() (stereo.SGBMParams, error) {
	p := stereo.NewSGBMParams(c.Num, c.BlockSize, c.Channels)
	mode, err := stereo.ParseMode(c.Mode)
	if err != nil {
		return p, err
	}
	p.Mode = mode
	p.Disp12MaxDiff = c.Disp12MaxDiff
	p.PreFilterCap = c.PreFilterCap
	p.UniquenessRatio = c.UniquenessRatio
	p.SpeckleWindowSize = c.SpeckleWindowSize
	p.SpeckleRange = c.SpeckleRange
	return p, p.Validate()
}

// calibration returns the configured rig, or the built-in one.
func (c StereoConfig) calibration() (stereo.Calibration, error) {
	if c.Calibration == "" {
		return stereo.DefaultCalibration(), nil
	}
	return stereo.LoadCalibration(c.Calibration)
}
