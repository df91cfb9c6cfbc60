package tsdfaux

import (
	"bytes"
	"image"
	"testing"

	"github.com/chewxy/math32"
	"github.com/google/go-cmp/cmp"
	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/rgbd"
	"github.com/soypat/tsdf/voxel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

var forward = tsdf.LookAt(ms3.Vec{}, ms3.Vec{Z: 1}, ms3.Vec{Y: -1})

func sphereCamera() *DepthCamera {
	return &DepthCamera{
		Intrinsics: rgbd.Intrinsics{Fx: 16, Fy: 16, Cx: 7.5, Cy: 7.5},
		Width:      16,
		Height:     16,
		MaxDepth:   3,
		Workers:    4,
	}
}

func sphereScene(t *testing.T) SDF3 {
	t.Helper()
	s, err := NewScene(Shape{Kind: "sphere", Center: [3]float32{0, 0, 1}, Radius: 0.3})
	require.NoError(t, err)
	return s
}

func TestNewScene(t *testing.T) {
	_, err := NewScene()
	assert.Error(t, err)
	_, err = NewScene(Shape{Kind: "torus"})
	assert.Error(t, err)

	s, err := NewScene(
		Shape{Kind: "sphere", Radius: 1},
		Shape{Kind: "box", Center: [3]float32{3, 0, 0}, Size: [3]float32{1, 1, 1}},
	)
	require.NoError(t, err)
	pos := []ms3.Vec{{}, {X: 2}, {X: 3}, {X: 1.5}}
	dist := make([]float32, len(pos))
	require.NoError(t, s.Evaluate(pos, dist, nil))
	assert.InDelta(t, -1, dist[0], 1e-5)
	assert.InDelta(t, 0.5, dist[1], 1e-5)
	assert.InDelta(t, -0.5, dist[2], 1e-5)
	assert.InDelta(t, 0.5, dist[3], 1e-5)
	assert.ErrorIs(t, s.Evaluate(pos, dist[:1], nil), tsdf.ErrBufferLength)

	bb := s.Bounds()
	assert.LessOrEqual(t, bb.Min.X, float32(-1))
	assert.GreaterOrEqual(t, bb.Max.X, float32(3.5))
}

func TestDepthCameraSphere(t *testing.T) {
	cam := sphereCamera()
	depth, err := cam.Render(sphereScene(t), forward)
	require.NoError(t, err)
	require.NoError(t, depth.Validate())

	// Center pixels look almost straight at the sphere's nearest point.
	assert.InDelta(t, 0.7, depth.At(8, 8), 5e-3)
	// Corners miss the sphere.
	assert.False(t, rgbd.IsValidDepth(depth.At(0, 0)))
	assert.False(t, rgbd.IsValidDepth(depth.At(15, 15)))
	// Rendered points lie on the sphere.
	for j := 0; j < depth.Height; j++ {
		for i := 0; i < depth.Width; i++ {
			d := depth.At(i, j)
			if !rgbd.IsValidDepth(d) {
				continue
			}
			p := cam.Intrinsics.Unproject(ms2.Vec{X: float32(i), Y: float32(j)}, d)
			r := ms3.Norm(ms3.Sub(p, ms3.Vec{Z: 1}))
			assert.InDelta(t, 0.3, r, 1e-3, "pixel (%d,%d)", i, j)
		}
	}

	_, err = (&DepthCamera{Width: 1, Height: 1, MaxDepth: 1}).Render(sphereScene(t), forward)
	assert.Error(t, err)
}

func TestFuseRenderedSphere(t *testing.T) {
	cam := sphereCamera()
	depth, err := cam.Render(sphereScene(t), forward)
	require.NoError(t, err)

	s := tsdf.DefaultSettings()
	s.Resolution = [3]int{8, 8, 8}
	s.Strides = [4]int{}
	v, err := tsdf.NewVolume(s)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, v.Integrate(forward, depth, nil, cam.Intrinsics))
	}
	points := make([]ms3.Vec, cam.Width*cam.Height)
	normals := make([]ms3.Vec, len(points))
	require.NoError(t, v.Raycast(forward, cam.Intrinsics, cam.Width, cam.Height, points, normals))
	center := points[8*cam.Width+8]
	require.False(t, math32.IsNaN(center.Z), "center ray missed")
	assert.InDelta(t, 0.7, center.Z, float64(s.TruncDist))
	n := normals[8*cam.Width+8]
	if !math32.IsNaN(n.Z) {
		assert.Less(t, n.Z, float32(-0.8), "normal %v should face camera", n)
	}
}

func TestDepthTIFFRoundTrip(t *testing.T) {
	depth := rgbd.NewDepthImage(5, 3)
	for i := range depth.Data {
		depth.Data[i] = 0.5 + 0.125*float32(i)
	}
	depth.Data[4] = math32.NaN()
	depth.Data[7] = 0
	depth.Data[9] = 100 // Overflows 16 bit millimeters.
	var buf bytes.Buffer
	require.NoError(t, WriteDepthTIFF(&buf, depth, 1000))
	got, err := ReadDepthTIFF(&buf, 1000)
	require.NoError(t, err)
	require.Equal(t, depth.Width, got.Width)
	require.Equal(t, depth.Height, got.Height)
	for i, want := range depth.Data {
		switch i {
		case 4, 7, 9:
			assert.Zero(t, got.Data[i], "sample %d", i)
		default:
			assert.InDelta(t, want, got.Data[i], 1e-3, "sample %d", i)
		}
	}
	assert.Error(t, WriteDepthTIFF(&buf, depth, 0))
}

func TestNormalsTIFF(t *testing.T) {
	nan := math32.NaN()
	normals := []ms3.Vec{{X: 1}, {Y: -1}, {Z: 1}, {X: nan, Y: nan, Z: nan}}
	var buf bytes.Buffer
	require.NoError(t, WriteNormalsTIFF(&buf, normals, 2, 2))
	img, err := tiff.Decode(&buf)
	require.NoError(t, err)
	nrgba, ok := img.(*image.NRGBA)
	require.True(t, ok, "got %T", img)
	px := nrgba.NRGBAAt(0, 0)
	assert.Equal(t, [4]uint8{255, 128, 128, 255}, [4]uint8{px.R, px.G, px.B, px.A})
	px = nrgba.NRGBAAt(1, 0)
	assert.Equal(t, uint8(0), px.G)
	assert.Equal(t, uint8(0), nrgba.NRGBAAt(1, 1).A)

	buf.Reset()
	require.NoError(t, WriteShadedTIFF(&buf, normals, 2, 2, ms3.Vec{Z: -1}))
	assert.Error(t, WriteNormalsTIFF(&buf, normals, 3, 2))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := tsdf.DefaultSettings()
	s.Resolution = [3]int{4, 4, 4}
	s.Strides = [4]int{}
	s.Color = true
	s.Index = tsdf.IndexTable
	s.HashDivisor = 8
	v, err := tsdf.NewVolume(s)
	require.NoError(t, err)
	blockLen := v.Settings().Strides[3]
	for i := 0; i < 50; i++ {
		b := tsdf.Block{
			Voxels:    make([]voxel.Voxel, blockLen),
			Colors:    make([]voxel.Color, blockLen),
			LastFrame: i % 7,
			Active:    i%7 == 6,
		}
		b.Coord.X, b.Coord.Y, b.Coord.Z = int32(i), int32(-i), int32(i%5)
		for k := range b.Voxels {
			b.Voxels[k] = voxel.Voxel{Dist: int8(k - i), Weight: uint8(k % 3)}
			b.Colors[k] = voxel.Color{R: int16(i), G: int16(k), B: -1}
		}
		require.NoError(t, v.SetBlock(b))
	}
	v.SetFrames(6)

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, v))
	got, err := ReadSnapshot(&buf)
	require.NoError(t, err)

	if diff := cmp.Diff(v.Settings(), got.Settings()); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, got.Frames())
	assert.Equal(t, v.NumBlocks(), got.NumBlocks())
	assert.Equal(t, collectBlocks(t, v), collectBlocks(t, got))

	_, err = ReadSnapshot(bytes.NewReader([]byte("not zstd data at all")))
	assert.Error(t, err)
}

func collectBlocks(t *testing.T, v *tsdf.Volume) []tsdf.Block {
	t.Helper()
	var blocks []tsdf.Block
	err := v.ForEachBlock(func(b tsdf.Block) error {
		b.Voxels = append([]voxel.Voxel(nil), b.Voxels...)
		b.Colors = append([]voxel.Color(nil), b.Colors...)
		blocks = append(blocks, b)
		return nil
	})
	require.NoError(t, err)
	return blocks
}
