package cmd

import (
	"context"
	"fmt"
	"time"

	"QueueFM/cache"

	"github.com/spf13/cobra"
)

var (
	redisTail  bool
	redisState bool
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接，并可查看镜像的电台状态或实时事件流。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.RedisEnabled() {
			return fmt.Errorf("REDIS_HOST is not set")
		}
		fmt.Printf("Redis: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			return err
		}
		defer cache.CloseRedis()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := cache.CheckRedis(ctx, cache.RedisClient); err != nil {
			return err
		}
		fmt.Println("Redis read/write check passed.")

		mirror := cache.NewEventMirror(cache.RedisClient)
		if redisState {
			snap, err := mirror.LoadSnapshot(ctx)
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Println("no state snapshot stored yet")
			} else {
				fmt.Println(string(snap))
			}
		}

		if !redisTail {
			return nil
		}
		events, err := mirror.Subscribe(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("following %s, Ctrl-C to stop\n", cache.EventsChannel)
		for msg := range events {
			fmt.Println(string(msg))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
	redisCmd.Flags().BoolVarP(&redisTail, "tail", "t", false, "打印实时镜像事件")
	redisCmd.Flags().BoolVarP(&redisState, "state", "s", false, "打印最近一次状态快照")
}
