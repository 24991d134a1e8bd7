package cmd

import (
	"fmt"
	"strings"

	"QueueFM/core/source"

	"github.com/spf13/cobra"
)

var (
	searchKeyword string
	searchSource  string
	searchLimit   int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "命令行搜索曲目",
	Long:  `使用与网页端相同的搜索源搜索曲目，输出可直接加入队列的链接。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.TrimSpace(searchKeyword)
		if query == "" {
			query = strings.Join(args, " ")
		}
		if query == "" {
			return fmt.Errorf("请输入要搜索的内容")
		}

		resolver := source.NewResolver(&source.Ytdlp{Executable: cfg.YtdlpPath}, cfg.MetadataTimeout, cfg.SearchTimeout)
		results := resolver.Search(cmd.Context(), query, searchSource, searchLimit)
		if len(results) == 0 {
			fmt.Println("没有找到结果")
			return nil
		}
		for i, r := range results {
			length := "--:--"
			if r.DurationSeconds != nil {
				length = fmt.Sprintf("%d:%02d", *r.DurationSeconds/60, *r.DurationSeconds%60)
			}
			fmt.Printf("%2d. %s  [%s]  %s\n    %s\n", i+1, r.Title, length, r.Channel, r.URL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchKeyword, "keyword", "k", "", "搜索关键词")
	searchCmd.Flags().StringVarP(&searchSource, "source", "s", "", "搜索源: ytdlp, youtube, ytmusic")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 10, "返回结果数量")
}
