package main

import (
	"os"
	"time"

	"github.com/chewxy/math32"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/rgbd"
	"github.com/soypat/tsdf/tsdfaux"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

var cmdFuse = &cobra.Command{
	Use:   "fuse [flags] CONFIG",
	Short: "Integrate the frames of a configuration file into a volume",
	Long: `
The "fuse" command integrates every frame listed in the TOML configuration
file, raycasts the volume from the last frame's pose and writes the outputs
configured in the [output] section.

EXIT STATUS
===========

Exit status is 0 if all frames were fused and outputs written.
Exit status is 1 otherwise.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(args[0])
		if err != nil {
			return err
		}
		if globalOptions.Log.Logfile == "" && cfg.Log.Logfile != "" {
			globalOptions.Log = cfg.Log
			if err := globalOptions.setLogger(); err != nil {
				return err
			}
		}
		_, err = RunFuse(cfg)
		return err
	},
}

func init() {
	cmdRoot.AddCommand(cmdFuse)
}

// FuseResult summarizes a fusion run.
type FuseResult struct {
	Volume *tsdf.Volume
	// Points and Normals raycast from the last frame's pose.
	Points, Normals []ms3.Vec
	// DepthErrMean and DepthErrStd are the statistics of the difference between
	// raycast depth and the last frame's input depth over pixels valid in both.
	DepthErrMean, DepthErrStd float64
	Hits                      int
}

// RunFuse integrates all frames of cfg and writes the configured outputs.
func RunFuse(cfg *Config) (*FuseResult, error) {
	v, err := tsdf.NewVolume(cfg.Volume)
	if err != nil {
		return nil, err
	}
	var scene tsdfaux.SDF3
	if len(cfg.Scene) > 0 {
		scene, err = tsdfaux.NewScene(cfg.Scene...)
		if err != nil {
			return nil, errors.Wrap(err, "building scene")
		}
	}
	cam := &tsdfaux.DepthCamera{
		Intrinsics: cfg.Camera.Intrinsics,
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		MaxDepth:   cfg.Camera.maxDepth(cfg.Volume),
		Workers:    v.Settings().Workers,
	}
	var depth *rgbd.DepthImage
	for i, frame := range cfg.Frames {
		start := time.Now()
		depth, err = loadDepth(frame, cam, scene, cfg.Camera.depthScale())
		if err != nil {
			return nil, errors.Wrapf(err, "frame %d", i)
		}
		if depth.Width != cfg.Camera.Width || depth.Height != cfg.Camera.Height {
			return nil, errors.Errorf("frame %d: depth image %dx%d does not match camera", i, depth.Width, depth.Height)
		}
		if err = v.Integrate(frame.Pose(), depth, nil, cfg.Camera.Intrinsics); err != nil {
			return nil, errors.Wrapf(err, "integrating frame %d", i)
		}
		log.WithFields(log.Fields{
			"frame":  i,
			"blocks": v.NumBlocks(),
			"memory": humanize.Bytes(uint64(v.MemoryBytes())),
		}).Infof("integrated in %s", time.Since(start).Round(time.Millisecond))
	}

	last := cfg.Frames[len(cfg.Frames)-1].Pose()
	w, h := cfg.Camera.Width, cfg.Camera.Height
	res := &FuseResult{
		Volume:  v,
		Points:  make([]ms3.Vec, w*h),
		Normals: make([]ms3.Vec, w*h),
	}
	if err = v.Raycast(last, cfg.Camera.Intrinsics, w, h, res.Points, res.Normals); err != nil {
		return nil, err
	}
	raycastDepth := cameraDepth(last, res.Points, w, h)
	var errs []float64
	for k, d := range raycastDepth.Data {
		if rgbd.IsValidDepth(d) {
			res.Hits++
			if in := depth.Data[k]; rgbd.IsValidDepth(in) {
				errs = append(errs, float64(d-in))
			}
		}
	}
	if len(errs) > 1 {
		res.DepthErrMean = stat.Mean(errs, nil)
		res.DepthErrStd = stat.StdDev(errs, nil)
	}
	log.Infof("raycast %d/%d hits, depth error %.4g±%.4g", res.Hits, w*h, res.DepthErrMean, res.DepthErrStd)

	if err = writeOutputs(cfg.Output, res, raycastDepth, w, h, cfg.Camera.depthScale()); err != nil {
		return nil, err
	}
	return res, nil
}

func loadDepth(frame FrameConfig, cam *tsdfaux.DepthCamera, scene tsdfaux.SDF3, scale float32) (*rgbd.DepthImage, error) {
	if frame.Depth == "" {
		return cam.Render(scene, frame.Pose())
	}
	fp, err := os.Open(frame.Depth)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return tsdfaux.ReadDepthTIFF(fp, scale)
}

// cameraDepth converts raycast world points to depth along the optical axis
// of the camera at pose. Missed pixels get zero depth.
func cameraDepth(pose ms3.Mat4, points []ms3.Vec, w, h int) *rgbd.DepthImage {
	inv := pose.Inverse()
	d := rgbd.NewDepthImage(w, h)
	for k, p := range points {
		if math32.IsNaN(p.X) {
			continue
		}
		d.Data[k] = inv.MulPosition(p).Z
	}
	return d
}

func writeOutputs(out OutputConfig, res *FuseResult, depth *rgbd.DepthImage, w, h int, scale float32) error {
	write := func(path string, fn func(fp *os.File) error) error {
		if path == "" {
			return nil
		}
		fp, err := os.Create(path)
		if err != nil {
			return err
		}
		err = fn(fp)
		if cerr := fp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
		log.Infof("wrote %s", path)
		return nil
	}
	err := write(out.Depth, func(fp *os.File) error {
		return tsdfaux.WriteDepthTIFF(fp, depth, scale)
	})
	if err != nil {
		return err
	}
	err = write(out.Normals, func(fp *os.File) error {
		return tsdfaux.WriteNormalsTIFF(fp, res.Normals, w, h)
	})
	if err != nil {
		return err
	}
	err = write(out.Shaded, func(fp *os.File) error {
		return tsdfaux.WriteShadedTIFF(fp, res.Normals, w, h, ms3.Vec{X: 0.3, Y: -0.5, Z: 1})
	})
	if err != nil {
		return err
	}
	return write(out.Snapshot, func(fp *os.File) error {
		return tsdfaux.WriteSnapshot(fp, res.Volume)
	})
}
