// The frontnode binary is the user-facing half of the store: it owns the
// catalog and serves the SFTP and HTTP gateways.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"bnuystore/internal/catalog"
	"bnuystore/internal/config"
	"bnuystore/internal/gateway/httpgw"
	"bnuystore/internal/gateway/sftpgw"
	"bnuystore/internal/namespace"
	"bnuystore/internal/placement"
	"bnuystore/internal/registry"
	"bnuystore/internal/storageclient"
)

const version = "0.3.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "frontnode.toml", "path to the config file")
	userCmd.AddCommand(userAddCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, userCmd, configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Catalog: config.CatalogConfig{Type: "sqlite", Path: "catalog.db"},
			HTTP:    config.HTTPConfig{ListenAddr: ":8080"},
			SFTP:    config.SFTPConfig{ListenAddr: ":2222", HostKeyPath: "host_key"},
			StorageNodes: map[string]config.StorageNodeConfig{
				"node-1": {Addr: "127.0.0.1:9800"},
			},
		}
		if err := config.Init(configPath, cfg); err != nil {
			return err
		}
		fmt.Printf("Configuration initialized at %s\n", configPath)
		return nil
	},
}

var rootCmd = &cobra.Command{
	Use:   "frontnode",
	Short: "Catalog and protocol gateways for the distributed file store",
}

func openCatalog(ctx context.Context, cfg *config.Config) (*catalog.Store, error) {
	store, err := catalog.NewStoreFromConfig(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("catalog schema out of date, run 'frontnode migrate': %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing catalog: %w", err)
	}
	return store, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateways",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := registry.New(store, logger)
		if err := reg.Sync(ctx, cfg.NodeNames()); err != nil {
			return fmt.Errorf("registering storage nodes: %w", err)
		}

		client := storageclient.New(reg, cfg.Client, logger)
		client.SetAddrs(cfg.StorageNodes)
		placer := placement.New(reg, client, cfg.Placement, logger)
		svc := namespace.New(store, client, placer, logger)

		hostKey, err := sftpgw.LoadHostKey(cfg.SFTP)
		if err != nil {
			return err
		}

		// SIGHUP re-reads the config so nodes can be added without a
		// restart. Listen addresses and the catalog stay as they were.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if err := reload(ctx, reg, client); err != nil {
					logger.Error("config reload failed", "error", err)
				}
			}
		}()
		defer signal.Stop(hup)

		errs := make(chan error, 2)

		sftpLn, err := net.Listen("tcp", cfg.SFTP.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.SFTP.ListenAddr, err)
		}
		sftpSrv := sftpgw.NewServer(svc, store, hostKey, cfg.SFTP.Banner, logger)
		go func() {
			logger.Info("sftp gateway listening", "addr", cfg.SFTP.ListenAddr)
			errs <- sftpSrv.Serve(ctx, sftpLn)
		}()

		httpSrv := &http.Server{
			Addr:    cfg.HTTP.ListenAddr,
			Handler: httpgw.New(svc, logger, version),
		}
		go func() {
			logger.Info("http gateway listening", "addr", cfg.HTTP.ListenAddr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errs <- err
				return
			}
			errs <- nil
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
			return nil
		case err := <-errs:
			return err
		}
	},
}

func reload(ctx context.Context, reg *registry.Registry, client *storageclient.Client) error {
	cfg, err := config.ReadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := reg.Sync(ctx, cfg.NodeNames()); err != nil {
		return fmt.Errorf("registering storage nodes: %w", err)
	}
	client.SetAddrs(cfg.StorageNodes)
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply catalog schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		store, err := catalog.NewStoreFromConfig(cfg.Catalog)
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer store.Close()

		if err := store.MigrateUp(); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		if err := store.Init(cmd.Context()); err != nil {
			return fmt.Errorf("initializing root directory: %w", err)
		}
		fmt.Println("Catalog schema is up to date.")
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage SFTP users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username> <pubkey-file>",
	Short: "Create a user with a home directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, pubkeyPath := args[0], args[1]

		keyData, err := os.ReadFile(pubkeyPath)
		if err != nil {
			return fmt.Errorf("reading public key: %w", err)
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey(keyData); err != nil {
			return fmt.Errorf("parsing public key: %w", err)
		}

		cfg, err := config.ReadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		ctx := cmd.Context()
		store, err := openCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		home, err := store.CreateDirectory(ctx, catalog.RootDirectoryID, username)
		if err != nil {
			if !errors.Is(err, catalog.ErrNameConflict) {
				return fmt.Errorf("creating home directory: %w", err)
			}
			existing, err := store.ChildDirectory(ctx, catalog.RootDirectoryID, username)
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}
			home = existing.ID
		}

		err = store.CreateUser(ctx, catalog.User{
			Username:      username,
			SSHPubkey:     string(keyData),
			HomeDirectory: home,
		})
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		fmt.Printf("Created user %s with home directory /%s\n", username, username)
		return nil
	},
}
