package main

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/rgbd"
	"github.com/soypat/tsdf/tsdfaux"
)

// Config is the TOML description of a fusion run.
type Config struct {
	Volume tsdf.Settings   `toml:"volume"`
	Camera CameraConfig    `toml:"camera"`
	Scene  []tsdfaux.Shape `toml:"scene"`
	Frames []FrameConfig   `toml:"frames"`
	Output OutputConfig    `toml:"output"`
	Log    LogConfig       `toml:"log"`
}

// CameraConfig describes the depth sensor.
type CameraConfig struct {
	rgbd.Intrinsics
	Width  int `toml:"width"`
	Height int `toml:"height"`
	// DepthScale divides samples read from depth TIFF files, e.g. 1000 for millimeters.
	DepthScale float32 `toml:"depth_scale"`
	// MaxDepth bounds synthetic depth rendering.
	MaxDepth float32 `toml:"max_depth"`
}

// FrameConfig is a single camera placement. When Depth is empty the depth
// image is rendered from the configured scene.
type FrameConfig struct {
	Position [3]float32 `toml:"position"`
	Target   [3]float32 `toml:"target"`
	Up       [3]float32 `toml:"up"`
	Depth    string     `toml:"depth"`
}

// OutputConfig lists the files written after fusion. Empty paths are skipped.
type OutputConfig struct {
	Snapshot string `toml:"snapshot"`
	Depth    string `toml:"depth"`
	Normals  string `toml:"normals"`
	Shaded   string `toml:"shaded"`
}

// LoadConfig decodes and validates the configuration file at filename.
// Relative depth paths are resolved against the directory of filename.
func LoadConfig(filename string) (*Config, error) {
	cfg := &Config{Volume: tsdf.DefaultSettings()}
	cfg.Volume.Strides = [4]int{} // Derived from the configured resolution.
	if _, err := toml.DecodeFile(filename, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", filename)
	}
	dir := filepath.Dir(filename)
	for i := range cfg.Frames {
		if d := cfg.Frames[i].Depth; d != "" && !filepath.IsAbs(d) {
			cfg.Frames[i].Depth = filepath.Join(dir, d)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", filename)
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (cfg *Config) Validate() error {
	if err := cfg.Volume.Validate(); err != nil {
		return err
	}
	if err := cfg.Camera.Intrinsics.Validate(); err != nil {
		return errors.Wrap(err, "camera")
	}
	if cfg.Camera.Width <= 1 || cfg.Camera.Height <= 1 {
		return errors.Errorf("invalid camera size %dx%d", cfg.Camera.Width, cfg.Camera.Height)
	}
	if len(cfg.Frames) == 0 {
		return errors.New("no frames")
	}
	needScene := false
	for i, f := range cfg.Frames {
		if f.Position == f.Target {
			return errors.Errorf("frame %d: position equals target", i)
		}
		needScene = needScene || f.Depth == ""
	}
	if needScene && len(cfg.Scene) == 0 {
		return errors.New("frames without depth file require a scene")
	}
	return nil
}

// Pose returns the camera to world transform of the frame.
func (f FrameConfig) Pose() ms3.Mat4 {
	up := vec(f.Up)
	if up == (ms3.Vec{}) {
		up = ms3.Vec{Y: 1}
	}
	return tsdf.LookAt(vec(f.Position), vec(f.Target), up)
}

func (cam CameraConfig) depthScale() float32 {
	if cam.DepthScale == 0 {
		return 1000
	}
	return cam.DepthScale
}

func (cam CameraConfig) maxDepth(volume tsdf.Settings) float32 {
	if cam.MaxDepth == 0 {
		if volume.MaxDepth == 0 {
			return 4
		}
		return volume.MaxDepth
	}
	return cam.MaxDepth
}

func vec(a [3]float32) ms3.Vec {
	return ms3.Vec{X: a[0], Y: a[1], Z: a[2]}
}
