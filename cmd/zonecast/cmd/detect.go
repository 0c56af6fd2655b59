package cmd

import (
	"fmt"

	"github.com/ogglobi/zonecast/internal/ffmpeg"
	"github.com/spf13/cobra"
)

// detectCmd probes for a usable ffmpeg binary and reports what it found.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect the FFmpeg binary",
	Long:  "Locate the FFmpeg binary zonecast would use and print its version.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("ffmpeg")

		detector := ffmpeg.NewBinaryDetector(path)
		info, err := detector.Detect(cmd.Context())
		if err != nil {
			return fmt.Errorf("detecting ffmpeg: %w", err)
		}

		fmt.Printf("ffmpeg: %s\n", info.FFmpegPath)
		fmt.Printf("version: %s\n", info.Version)
		return nil
	},
}

func init() {
	detectCmd.Flags().String("ffmpeg", "", "Path to the ffmpeg binary (default: auto-detect)")
	rootCmd.AddCommand(detectCmd)
}
