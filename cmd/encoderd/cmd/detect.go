package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/encoderd/internal/ffmpeg"
)

var (
	detectJSON bool
	detectPath string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect the ffmpeg binary used by the ffmpeg codec backend",
	Long: `Locate ffmpeg and report its version, hardware accelerators and
the HEVC encoders it was built with.

The binary is resolved from --ffmpeg, ENCODERD_FFMPEG_BINARY, ./ffmpeg
and PATH in that order.`,
	RunE: runDetect,
}

func init() {
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "output detection result as JSON")
	detectCmd.Flags().StringVar(&detectPath, "ffmpeg", "", "ffmpeg binary to inspect")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, _ []string) error {
	path := detectPath
	if path == "" {
		path = v.GetString("ffmpeg.binary_path")
	}
	bin, err := ffmpeg.FindBinary(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	info, err := ffmpeg.NewBinaryDetector(bin).Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}

	out := cmd.OutOrStdout()
	if detectJSON {
		fmt.Fprintln(out, info.JSON())
		return nil
	}

	fmt.Fprintf(out, "Path:      %s\n", info.Path)
	fmt.Fprintf(out, "Version:   %s\n", info.Version)
	if len(info.HWAccels) > 0 {
		fmt.Fprintf(out, "HWAccels:  %s\n", strings.Join(info.HWAccels, ", "))
	}
	hevc := info.HEVCEncoders()
	if len(hevc) == 0 {
		fmt.Fprintln(out, "HEVC:      none")
		return fmt.Errorf("%s has no HEVC encoder", info.Path)
	}
	fmt.Fprintf(out, "HEVC:      %s\n", strings.Join(hevc, ", "))
	if best, ok := info.PreferredHEVCEncoder(); ok {
		fmt.Fprintf(out, "Preferred: %s\n", best)
	}
	return nil
}
