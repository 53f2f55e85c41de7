package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GreeFine/ferrixcel/server"
	"github.com/GreeFine/ferrixcel/store"
)

// ferrixcel 入口：加载配置，启动 HTTP + WebSocket 服务
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:           "ferrixcel",
		Short:         "Real-time collaborative grid server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := server.NewViper(configFile)
			if err != nil {
				return err
			}
			if err := v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			cfg, err := server.LoadConfig(v)
			if err != nil {
				return err
			}

			// 使用 zap 日志写入文件（带滚动）
			log, err := server.InitLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer server.SyncLogger()
			if configFile != "" {
				server.WatchConfig(v, log)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			srv, err := server.New(cfg, st, log)
			if err != nil {
				_ = st.Close()
				return err
			}
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")
	cmd.Flags().String("addr", ":8080", "server listen address, e.g. :8080")
	return cmd
}
