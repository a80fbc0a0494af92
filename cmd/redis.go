package cmd

import (
	"context"
	"fmt"
	"time"

	"worshiproom/config"
	"worshiproom/db"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Check the Redis connection",
	Long:  `Connects to Redis and runs a set/get/delete round trip.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		fmt.Printf("Redis: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		client, err := db.ConnectRedis(cfg)
		if err != nil {
			return fmt.Errorf("cannot connect to Redis: %w", err)
		}
		defer db.CloseRedis()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.TestRedis(ctx, client); err != nil {
			return fmt.Errorf("Redis round trip failed: %w", err)
		}
		fmt.Println("Redis OK")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
