package main

import (
	"github.com/danmuck/edgelink/internal/daemon"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	var peers []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if len(peers) > 0 {
				cfg.Peers = append(cfg.Peers, peers...)
			}
			if opts.adminAddr != "" {
				cfg.AdminAddr = opts.adminAddr
			}
			logs.Infof("edgelinkd.serve config=%q listen=%s admin=%s peers=%d", path, cfg.ListenAddr, cfg.AdminAddr, len(cfg.Peers))

			svc := daemon.NewService(cfg)
			if path != "" {
				svc.WithConfigPath(path)
			}
			return svc.Run()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "link listen address (overrides listen_addr)")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "extra static peer host:port, repeatable")
	return cmd
}
