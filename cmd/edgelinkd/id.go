package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/edgelink/internal/identity"
	"github.com/spf13/cobra"
)

func newIDCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's device id and certificate fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
				return err
			}
			id := strings.TrimSpace(cfg.Device.ID)
			if id == "" {
				if id, err = identity.LoadOrCreateDeviceID(cfg.DeviceIDPath()); err != nil {
					return err
				}
			}
			certFile, keyFile := cfg.CertPaths()
			cert, err := identity.LoadOrCreate(certFile, keyFile, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device_id:   %s\n", id)
			fmt.Fprintf(out, "name:        %s\n", cfg.Device.Name)
			fmt.Fprintf(out, "fingerprint: %s\n", identity.CertificateFingerprint(cert))
			return nil
		},
	}
}
