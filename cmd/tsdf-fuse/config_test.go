package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/rgbd"
	"github.com/soypat/tsdf/tsdfaux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("testdata/sphere.toml")
	require.NoError(t, err)

	assert.Equal(t, tsdf.IndexTable, cfg.Volume.Index)
	assert.Equal(t, rgbd.FillHoles, cfg.Volume.SamplePolicy)
	assert.Equal(t, [3]int{8, 8, 8}, cfg.Volume.Resolution)
	assert.Equal(t, 32, cfg.Volume.MaxWeight)
	assert.Equal(t, rgbd.Intrinsics{Fx: 32, Fy: 32, Cx: 15.5, Cy: 15.5}, cfg.Camera.Intrinsics)
	assert.Equal(t, float32(1000), cfg.Camera.depthScale())
	assert.Equal(t, float32(3), cfg.Camera.maxDepth(cfg.Volume))
	require.Len(t, cfg.Frames, 3)
	require.Len(t, cfg.Scene, 1)
	assert.Equal(t, "sphere", cfg.Scene[0].Kind)
	assert.Equal(t, LogConfig{MaxSize: 10, MaxAge: 7}, cfg.Log)

	_, err = LoadConfig("testdata/missing.toml")
	assert.Error(t, err)
}

func TestFramePose(t *testing.T) {
	f := FrameConfig{Target: [3]float32{0, 0, 1}, Up: [3]float32{0, -1, 0}}
	p := f.Pose()
	want := []ms3.Vec{{}, {X: 1}, {Y: 1}, {Z: 1}, {X: -0.5, Y: 2, Z: 3}}
	got := make([]ms3.Vec, len(want))
	for i, w := range want {
		got[i] = p.MulPosition(w)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("pose is not identity (-want +got):\n%s", diff)
	}

	// Default up vector is +Y.
	f = FrameConfig{Position: [3]float32{1, 2, 3}, Target: [3]float32{1, 2, 4}}
	p = f.Pose()
	assert.Equal(t, ms3.Vec{X: 1, Y: 2, Z: 3}, p.MulPosition(ms3.Vec{}))
	fwd := ms3.Sub(p.MulPosition(ms3.Vec{Z: 1}), p.MulPosition(ms3.Vec{}))
	assert.InDelta(t, 1, fwd.Z, 1e-6)
}

func TestConfigValidate(t *testing.T) {
	base, err := LoadConfig("testdata/sphere.toml")
	require.NoError(t, err)
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"bad volume", func(c *Config) { c.Volume.VoxelSize = -1 }},
		{"bad intrinsics", func(c *Config) { c.Camera.Fx = 0 }},
		{"small camera", func(c *Config) { c.Camera.Width = 1 }},
		{"no frames", func(c *Config) { c.Frames = nil }},
		{"degenerate frame", func(c *Config) { c.Frames[1].Target = c.Frames[1].Position }},
		{"no scene", func(c *Config) { c.Scene = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			cfg.Frames = append([]FrameConfig(nil), base.Frames...)
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// A scene is not needed when all frames read depth from files.
	cfg := *base
	cfg.Scene = nil
	cfg.Frames = []FrameConfig{{Target: [3]float32{0, 0, 1}, Depth: "frame.tiff"}}
	assert.NoError(t, cfg.Validate())
}

func TestRunFuse(t *testing.T) {
	cfg, err := LoadConfig("testdata/sphere.toml")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Output = OutputConfig{
		Snapshot: filepath.Join(dir, "volume.snap"),
		Depth:    filepath.Join(dir, "depth.tiff"),
		Normals:  filepath.Join(dir, "normals.tiff"),
		Shaded:   filepath.Join(dir, "shaded.tiff"),
	}
	res, err := RunFuse(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Volume.Frames())
	assert.Greater(t, res.Hits, 100)
	assert.InDelta(t, 0, res.DepthErrMean, float64(cfg.Volume.VoxelSize))
	assert.Less(t, res.DepthErrStd, float64(cfg.Volume.TruncDist))
	for _, path := range []string{cfg.Output.Snapshot, cfg.Output.Depth, cfg.Output.Normals, cfg.Output.Shaded} {
		assert.FileExists(t, path)
	}

	fp, err := os.Open(cfg.Output.Snapshot)
	require.NoError(t, err)
	defer fp.Close()
	v, err := tsdfaux.ReadSnapshot(fp)
	require.NoError(t, err)
	assert.Equal(t, res.Volume.NumBlocks(), v.NumBlocks())
	st := volumeStats(v)
	assert.Equal(t, volumeStats(res.Volume), st)
	assert.Greater(t, st.Observed, 0)
	assert.LessOrEqual(t, st.MeanWeight, float64(cfg.Volume.MaxWeight))

	var buf bytes.Buffer
	require.NoError(t, printInfo(&buf, v))
	assert.Contains(t, buf.String(), "[volume]")
	assert.Contains(t, buf.String(), "frames:        3")
}

func TestRunFuseDepthFiles(t *testing.T) {
	base, err := LoadConfig("testdata/sphere.toml")
	require.NoError(t, err)
	scene, err := tsdfaux.NewScene(base.Scene...)
	require.NoError(t, err)
	cam := &tsdfaux.DepthCamera{
		Intrinsics: base.Camera.Intrinsics,
		Width:      base.Camera.Width,
		Height:     base.Camera.Height,
		MaxDepth:   3,
	}
	depth, err := cam.Render(scene, base.Frames[0].Pose())
	require.NoError(t, err)

	dir := t.TempDir()
	fp, err := os.Create(filepath.Join(dir, "frame0.tiff"))
	require.NoError(t, err)
	require.NoError(t, tsdfaux.WriteDepthTIFF(fp, depth, 1000))
	require.NoError(t, fp.Close())

	const config = `
[volume]
voxel_size = 0.01
trunc_dist = 0.04
resolution = [8, 8, 8]

[camera]
fx = 32
fy = 32
cx = 15.5
cy = 15.5
width = 32
height = 32

[[frames]]
target = [0, 0, 1]
up = [0, -1, 0]
depth = "frame0.tiff"
`
	cfgPath := filepath.Join(dir, "fuse.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(config), 0o644))
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "frame0.tiff"), cfg.Frames[0].Depth)

	res, err := RunFuse(cfg)
	require.NoError(t, err)
	assert.Greater(t, res.Hits, 100)
	// Millimeter quantization of the TIFF bounds the depth error.
	assert.InDelta(t, 0, res.DepthErrMean, float64(cfg.Volume.VoxelSize))
}
