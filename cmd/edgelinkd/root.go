package main

import (
	"errors"
	"os"

	"github.com/danmuck/edgelink/internal/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "edgelink.toml"

var version = "dev"

type rootOptions struct {
	configPath string
	adminAddr  string
	adminToken string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "edgelinkd",
		Short: "Pair with nearby devices and exchange packets, clipboard and files",
		Long: `edgelinkd runs a device node that pairs with peers over TLS links,
routes typed packets to capability modules and moves files with
progress-tracked transfer jobs. The remaining commands talk to a running
node through its local admin API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "daemon config file")
	cmd.PersistentFlags().StringVar(&opts.adminAddr, "admin", "", "admin API address (defaults to admin_addr from config)")
	cmd.PersistentFlags().StringVar(&opts.adminToken, "token", "", "admin API bearer token (defaults to admin_token from config)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newIDCmd(opts))
	for _, c := range newClientCmds(opts) {
		cmd.AddCommand(c)
	}
	return cmd
}

// loadConfig falls back to defaults only when the default path is absent;
// an explicitly named file must exist.
func (o *rootOptions) loadConfig() (config.Config, string, error) {
	path := o.configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.DefaultConfig(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", err
	}
	return cfg, path, nil
}
