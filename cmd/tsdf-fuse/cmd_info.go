package main

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/tsdfaux"
	"github.com/soypat/tsdf/voxel"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

var cmdInfo = &cobra.Command{
	Use:   "info SNAPSHOT",
	Short: "Print a summary of a volume snapshot",
	Long: `
The "info" command reads a snapshot written by "fuse" and prints the volume
settings followed by block and voxel statistics.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fp.Close()
		v, err := tsdfaux.ReadSnapshot(fp)
		if err != nil {
			return errors.Wrapf(err, "reading snapshot %s", args[0])
		}
		return printInfo(cmd.OutOrStdout(), v)
	},
}

func init() {
	cmdRoot.AddCommand(cmdInfo)
}

// VolumeStats summarizes the observed voxels of a volume.
type VolumeStats struct {
	Blocks   int
	Observed int
	// MeanWeight and MeanAbsDist are over observed voxels only.
	MeanWeight  float64
	MeanAbsDist float64
}

func volumeStats(v *tsdf.Volume) VolumeStats {
	var weights, dists []float64
	v.ForEachBlock(func(b tsdf.Block) error {
		for _, vox := range b.Voxels {
			if vox.Weight == 0 {
				continue
			}
			weights = append(weights, float64(vox.Weight))
			d := float64(voxel.Decode(vox.Dist))
			if d < 0 {
				d = -d
			}
			dists = append(dists, d)
		}
		return nil
	})
	st := VolumeStats{Blocks: v.NumBlocks(), Observed: len(weights)}
	if len(weights) > 0 {
		st.MeanWeight = stat.Mean(weights, nil)
		st.MeanAbsDist = stat.Mean(dists, nil)
	}
	return st
}

func printInfo(w io.Writer, v *tsdf.Volume) error {
	enc := toml.NewEncoder(w)
	if err := enc.Encode(map[string]tsdf.Settings{"volume": v.Settings()}); err != nil {
		return err
	}
	st := volumeStats(v)
	bb := v.Bounds()
	_, err := fmt.Fprintf(w, `
frames:        %d
blocks:        %d
memory:        %s
bounds:        %v .. %v
observed:      %d voxels
mean weight:   %.3f
mean |dist|:   %.3f
`, v.Frames(), st.Blocks, humanize.Bytes(uint64(v.MemoryBytes())), bb.Min, bb.Max,
		st.Observed, st.MeanWeight, st.MeanAbsDist)
	return err
}
