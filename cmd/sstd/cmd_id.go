package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netsteria/sst/internal/eid"
)

func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the local endpoint identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ident, err := eid.Load(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("no identity in %s (run 'sstd init'): %w",
					cfg.DataDir, err)
			}
			fmt.Println(ident.EID().String())
			return nil
		},
	}
}
