package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/nbkernel/cell"
	"pkt.systems/nbkernel/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var cfgPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath, "")
			if err != nil {
				return err
			}
			if cfg.History.Disabled {
				return fmt.Errorf("history is disabled in config")
			}
			store, err := history.Open(cmd.Context(), cfg.History.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range entries {
				if _, err := fmt.Fprint(out, formatEntry(entry)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func formatEntry(entry history.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s %s\n", entry.CreatedAt.Local().Format(time.DateTime), entry.Status, entry.Session)
	lines := strings.Split(strings.TrimRight(entry.Code, "\n"), "\n")
	prompts := cell.Continuation(cell.NumberedPrompt(entry.ExecutionCount), len(lines))
	width := len(prompts[0])
	for i, line := range lines {
		fmt.Fprintf(&b, "%*s %s\n", width, prompts[i], line)
	}
	return b.String()
}
