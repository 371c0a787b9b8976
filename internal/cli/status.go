package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harlowe/hearth/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runtime status",
	Long:  `Show the configured profiles, session count, and memory index state.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config: %s\n", config.NewLoader(cfgFile).GetConfigPath())
	fmt.Fprintf(out, "Data dir: %s\n", a.cfg.DataDir)

	fmt.Fprintf(out, "AI profiles: %d\n", len(a.cfg.AI.Profiles))
	for _, p := range a.cfg.AI.Profiles {
		fmt.Fprintf(out, "  %s (%s, priority %d)\n", p.ID, p.Provider, p.Priority)
	}

	keys, err := a.sessions.ListSessions()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sessions: %d\n", len(keys))

	fmt.Fprintf(out, "Tools: %d registered\n", a.executor.Count())

	if a.store == nil {
		fmt.Fprintln(out, "Memory: disabled")
		return nil
	}
	s := a.store.Status()
	fmt.Fprintf(out, "Memory: %d files, %d chunks", s.TotalFiles, s.TotalChunks)
	if s.IsDirty {
		fmt.Fprintf(out, " (index stale)")
	}
	fmt.Fprintln(out)
	if s.LastSyncTime != nil {
		fmt.Fprintf(out, "Last sync: %s\n", s.LastSyncTime.Format("2006-01-02 15:04:05"))
	}
	return nil
}
