// The storagenode binary is the dumb half of the store: it hosts file
// bytes keyed by UUID and answers the framed blob protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bnuystore/internal/blobnode"
	"bnuystore/internal/config"
)

const version = "0.3.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "storagenode.toml", "path to the config file")
	rootCmd.AddCommand(serveCmd)
}

var rootCmd = &cobra.Command{
	Use:   "storagenode",
	Short: "Blob host for the distributed file store",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the blob server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		cfg, err := config.ReadNodeFromFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := blobnode.NewStoreFromConfig(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("opening blob store: %w", err)
		}

		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
		}
		logger.Info("storage node listening", "addr", cfg.ListenAddr, "store", cfg.Store.Type)

		return blobnode.NewServer(store, logger, version).Serve(ctx, ln)
	},
}
