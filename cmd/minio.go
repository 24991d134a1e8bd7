package cmd

import (
	"fmt"
	"time"

	"QueueFM/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
	minioDelete bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO归档管理",
	Long:  `查看和管理保留下来的音频归档，支持列出文件、查看统计信息和按前缀删除。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.MinioEnabled() {
			return fmt.Errorf("MINIO_ENDPOINT is not set")
		}
		fmt.Printf("MinIO: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		a, err := storage.NewArchiver(cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		prefix := minioPrefix
		if prefix == "" {
			prefix = storage.ArchivePrefix
		}

		switch {
		case minioDelete:
			if minioPrefix == "" {
				return fmt.Errorf("删除操作需要指定前缀")
			}
			n, err := a.Remove(ctx, minioPrefix)
			if err != nil {
				return err
			}
			fmt.Printf("已删除 %d 个文件\n", n)
		case minioStats:
			st, err := a.Stats(ctx, prefix)
			if err != nil {
				return err
			}
			fmt.Printf("文件数: %d\n总大小: %.2f MB\n", st.TotalObjects, float64(st.TotalSize)/1024/1024)
			if !st.LastModified.IsZero() {
				fmt.Printf("最近修改: %s\n", st.LastModified.Format(time.RFC3339))
			}
		default:
			objs, err := a.List(ctx, prefix)
			if err != nil {
				return err
			}
			for _, o := range objs {
				fmt.Printf("%10d  %s  %s\n", o.Size, o.LastModified.Format("2006-01-02 15:04"), o.Key)
			}
			fmt.Printf("\n共 %d 个文件\n", len(objs))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤，默认 archive/")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示统计信息")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除指定前缀下的所有文件")

	minioCmd.Example = `  # 列出归档文件
  queuefm minio

  # 显示统计信息
  queuefm minio -s

  # 删除某个曲目的归档
  queuefm minio -d -p "archive/dQw4w9WgXcQ"`
}
