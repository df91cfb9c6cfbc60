// Command tsdf-fuse fuses depth frames into a sparse TSDF volume and renders
// the reconstructed surface.
package main

import (
	"fmt"
	"os"

	"github.com/natefinch/lumberjack"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "tsdf-fuse",
	Short: "Fuse depth images into a truncated signed distance volume",
	Long: `
tsdf-fuse integrates a sequence of posed depth images into a sparse, hash
indexed TSDF volume and raycasts the fused surface. Depth frames are read from
16 bit TIFF files or rendered from an analytic scene described in the
configuration file.
`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return globalOptions.setLogger()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
}

// GlobalOptions holds options shared by all commands.
type GlobalOptions struct {
	LogLevel string
	Log      LogConfig
}

var globalOptions GlobalOptions

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&globalOptions.LogLevel, "log-level", "info", "log `level`: debug, info, warn or error")
	f.StringVar(&globalOptions.Log.Logfile, "log-file", "", "write log to rotating `file` instead of stderr")
	f.IntVar(&globalOptions.Log.MaxSize, "log-max-size", 100, "maximum log file size in megabytes before rotation")
	f.IntVar(&globalOptions.Log.MaxAge, "log-max-age", 28, "maximum `days` to keep rotated log files")
}

// LogConfig configures log file rotation.
type LogConfig struct {
	Logfile string `toml:"logfile"`
	MaxSize int    `toml:"max_log_size"`
	MaxAge  int    `toml:"max_log_age"`
}

func (opts *GlobalOptions) setLogger() error {
	lvl, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if opts.Log.Logfile == "" {
		return nil
	}
	log.SetOutput(&lumberjack.Logger{
		Filename: opts.Log.Logfile,
		MaxSize:  opts.Log.MaxSize, // megabytes
		MaxAge:   opts.Log.MaxAge,  // days
	})
	return nil
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
