package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"worshiproom/config"
	"worshiproom/core/room"
	"worshiproom/events"

	"github.com/spf13/cobra"
)

var (
	eventsGroup string
	eventsRoom  string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print relayed room events",
	Long:  `Consumes the room event topic and prints one JSON event per line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if len(cfg.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is not set")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(os.Stdout)
		return events.Consume(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, eventsGroup, func(ev room.Event) error {
			if eventsRoom != "" && ev.RoomID != eventsRoom {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("failed to print event: %w", err)
			}
			return nil
		})
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsGroup, "group", "worshiproom-cli", "consumer group id")
	eventsCmd.Flags().StringVar(&eventsRoom, "room", "", "only print events of this room")
	rootCmd.AddCommand(eventsCmd)
}
