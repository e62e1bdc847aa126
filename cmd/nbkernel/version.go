package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/nbkernel/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version); err != nil {
				return err
			}
			if info.Revision != "" {
				dirty := ""
				if info.Dirty {
					dirty = " (dirty)"
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "revision %s%s\n", info.Revision, dirty)
				return err
			}
			return nil
		},
	}
}
