package cmd

import (
	"fmt"
	"path/filepath"

	"QueueFM/core/audio"
	"QueueFM/core/player"

	"github.com/spf13/cobra"
)

var libraryDir string

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "列出备用曲库",
	Long:  `扫描备用曲库目录，列出可播放的文件及其时长。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := libraryDir
		if dir == "" {
			dir = cfg.LibraryDir
		}
		if dir == "" {
			return fmt.Errorf("no library directory, set LIBRARY_DIR or --dir")
		}

		lib := player.NewLibrary(dir, audio.NewProber(cfg.FFprobePath))
		if err := lib.Scan(); err != nil {
			return err
		}

		files := lib.Files()
		total := 0
		for _, f := range files {
			d := lib.Duration(cmd.Context(), f)
			length := "?"
			if d != nil {
				total += *d
				length = fmt.Sprintf("%d:%02d", *d/60, *d%60)
			}
			rel, err := filepath.Rel(dir, f)
			if err != nil {
				rel = f
			}
			fmt.Printf("%8s  %s  (%s)\n", length, player.Title(f), rel)
		}
		fmt.Printf("\n%d files, %d minutes\n", len(files), total/60)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(libraryCmd)
	libraryCmd.Flags().StringVarP(&libraryDir, "dir", "d", "", "曲库目录，默认 LIBRARY_DIR")
}
