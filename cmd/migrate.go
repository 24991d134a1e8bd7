package cmd

import (
	"fmt"

	"QueueFM/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "数据库表迁移",
	Long:  `对队列、播放历史和设置表执行 GORM 自动迁移。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DBDriver == "memory" {
			return fmt.Errorf("DB_DRIVER=memory has nothing to migrate")
		}
		if err := db.ConnectGormDB(cfg); err != nil {
			return err
		}
		defer db.CloseGormDB()

		if err := db.AutoMigrateModels(db.Models...); err != nil {
			return err
		}
		fmt.Printf("migrated %d tables (%s)\n", len(db.Models), cfg.DBDriver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
