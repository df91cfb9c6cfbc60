package tsdfaux

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/zstd"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/hashindex"
	"github.com/soypat/tsdf/voxel"
)

// Snapshot stream layout, zstd compressed, little endian:
//
//	magic     [8]byte "TSDFSNAP"
//	version   uint32
//	settings  uint32 length followed by TOML encoded tsdf.Settings
//	frames    uint64
//	blocks    uint64
//	per block:
//	  coord     3 x int32
//	  lastFrame uint64
//	  voxels    Strides[3] x (int8 dist, uint8 weight)
//	  colors    Strides[3] x 3 x int16, color volumes only
const (
	snapshotMagic   = "TSDFSNAP"
	snapshotVersion = 1
	maxSettingsLen  = 1 << 16
)

var errBadMagic = errors.New("not a volume snapshot")

// WriteSnapshot writes all resident blocks of v and its settings to w.
func WriteSnapshot(w io.Writer, v *tsdf.Volume) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(enc)
	err = writeSnapshot(bw, v)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func writeSnapshot(w io.Writer, v *tsdf.Volume) error {
	var settings bytes.Buffer
	if err := toml.NewEncoder(&settings).Encode(v.Settings()); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	le := binary.LittleEndian
	var hdr []byte
	hdr = append(hdr, snapshotMagic...)
	hdr = le.AppendUint32(hdr, snapshotVersion)
	hdr = le.AppendUint32(hdr, uint32(settings.Len()))
	hdr = append(hdr, settings.Bytes()...)
	hdr = le.AppendUint64(hdr, uint64(v.Frames()))
	hdr = le.AppendUint64(hdr, uint64(v.NumBlocks()))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	color := v.Settings().Color
	var buf []byte
	return v.ForEachBlock(func(b tsdf.Block) error {
		buf = buf[:0]
		buf = le.AppendUint32(buf, uint32(b.Coord.X))
		buf = le.AppendUint32(buf, uint32(b.Coord.Y))
		buf = le.AppendUint32(buf, uint32(b.Coord.Z))
		buf = le.AppendUint64(buf, uint64(b.LastFrame))
		for _, vox := range b.Voxels {
			buf = append(buf, byte(vox.Dist), vox.Weight)
		}
		if color {
			for _, c := range b.Colors {
				buf = le.AppendUint16(buf, uint16(c.R))
				buf = le.AppendUint16(buf, uint16(c.G))
				buf = le.AppendUint16(buf, uint16(c.B))
			}
		}
		_, err := w.Write(buf)
		return err
	})
}

// ReadSnapshot reads a volume written by [WriteSnapshot].
func ReadSnapshot(r io.Reader) (*tsdf.Volume, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	br := bufio.NewReader(dec)
	le := binary.LittleEndian

	var head [16]byte
	if _, err = io.ReadFull(br, head[:]); err != nil {
		return nil, err
	}
	if string(head[:8]) != snapshotMagic {
		return nil, errBadMagic
	} else if version := le.Uint32(head[8:]); version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}
	settingsLen := le.Uint32(head[12:])
	if settingsLen > maxSettingsLen {
		return nil, fmt.Errorf("snapshot settings too long (%d bytes)", settingsLen)
	}
	settingsBuf := make([]byte, settingsLen)
	if _, err = io.ReadFull(br, settingsBuf); err != nil {
		return nil, err
	}
	var settings tsdf.Settings
	if _, err = toml.Decode(string(settingsBuf), &settings); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	v, err := tsdf.NewVolume(settings)
	if err != nil {
		return nil, err
	}
	var counts [16]byte
	if _, err = io.ReadFull(br, counts[:]); err != nil {
		return nil, err
	}
	frames := le.Uint64(counts[:])
	nblocks := le.Uint64(counts[8:])

	s := v.Settings()
	blockLen := s.Strides[3]
	rec := make([]byte, 12+8+2*blockLen)
	var colorRec []byte
	b := tsdf.Block{Voxels: make([]voxel.Voxel, blockLen)}
	if s.Color {
		colorRec = make([]byte, 6*blockLen)
		b.Colors = make([]voxel.Color, blockLen)
	}
	for n := uint64(0); n < nblocks; n++ {
		if _, err = io.ReadFull(br, rec); err != nil {
			return nil, fmt.Errorf("block %d: %w", n, err)
		}
		b.Coord = hashindex.Coord{
			X: int32(le.Uint32(rec[0:])),
			Y: int32(le.Uint32(rec[4:])),
			Z: int32(le.Uint32(rec[8:])),
		}
		b.LastFrame = int(le.Uint64(rec[12:]))
		// Blocks updated by the last frame are the active ones.
		b.Active = b.LastFrame != 0 && uint64(b.LastFrame) == frames
		vox := rec[20:]
		for i := range b.Voxels {
			b.Voxels[i] = voxel.Voxel{Dist: int8(vox[2*i]), Weight: vox[2*i+1]}
		}
		if s.Color {
			if _, err = io.ReadFull(br, colorRec); err != nil {
				return nil, fmt.Errorf("block %d colors: %w", n, err)
			}
			for i := range b.Colors {
				c := colorRec[6*i:]
				b.Colors[i] = voxel.Color{
					R: int16(le.Uint16(c[0:])),
					G: int16(le.Uint16(c[2:])),
					B: int16(le.Uint16(c[4:])),
				}
			}
		}
		if err = v.SetBlock(b); err != nil {
			return nil, err
		}
	}
	v.SetFrames(int(frames))
	return v, nil
}
