package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/config/csncfg"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/streakmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/csboot"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/streakrepo"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatsrv",
		Short:         "sdchat chat server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "configs/chatsrv.yaml", "yaml config file")
	cmd.PersistentFlags().StringSlice("env-file", []string{".env"}, "dotenv files loaded before the config, missing ones are skipped")

	cmd.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())
	return cmd
}

// loadConfig also installs the process logger.
func loadConfig(cmd *cobra.Command) (csncfg.StaticConfig, func(), error) {
	path, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")

	cfg, err := csncfg.Load(path, envFiles...)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config %s: %w", path, err)
	}

	closer := mylog.Setup(cfg.LogCfg)
	return cfg, func() { _ = closer.Close() }, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the http and websocket servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			ac := csboot.NewAppContext(cfg)
			if err = csboot.StartChatServer(cmd.Context(), ac); err != nil {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerCfg.ShutdownTimeout)
				defer cancel()

				_ = ac.GracefulStop(ctx)
				return err
			}

			return csboot.Serve(ac)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			sc, err := csboot.OpenSql(cmd.Context(), cfg.SqlCfg)
			if err != nil {
				return err
			}
			defer sc.GracefulStop(context.Background())

			lg := mylog.AppLogger()
			lg.Info().Str("schema", sc.Schema()).Msg("migrate done")
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-streaks",
		Short: "Zero lapsed streaks once, for running from an external scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			sc, err := csboot.OpenSql(cmd.Context(), cfg.SqlCfg)
			if err != nil {
				return err
			}
			defer sc.GracefulStop(context.Background())

			sw, err := streakmgr.NewSweeper(streakrepo.NewStreakRepository(sc), cfg.StreakCfg.SweepCron, cfg.Location())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			rows, err := sw.SweepOnce(ctx)
			if err != nil {
				return err
			}

			lg := mylog.AppLogger()
			lg.Info().Int64("rows", rows).Msg("streak sweep done")
			return nil
		},
	}
}
