package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-rooms/pkg/config"
	"github.com/astromechza/automerge-rooms/pkg/store"
	"github.com/astromechza/automerge-rooms/pkg/store/postgres"
	"github.com/astromechza/automerge-rooms/pkg/store/sqlite"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "roomsd",
		Short:         "Collaborative document rooms backed by automerge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a yaml config file")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		slog.SetDefault(cfg.Logger(os.Stderr))
		return cfg, nil
	}
	root.AddCommand(newServeCmd(loadConfig), newInspectCmd(loadConfig))
	return root
}

func openStore(ctx context.Context, db config.Database) (store.Store, error) {
	switch db.Driver {
	case "postgres":
		s, err := postgres.New(ctx, db.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite3":
		s, err := sqlite.New(ctx, db.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", db.Driver)
	}
}
