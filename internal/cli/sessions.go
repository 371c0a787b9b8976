package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored session keys",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-key>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-key>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair <session-key>",
	Short: "Drop corrupt entries from a session log",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRepair,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsRepairCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := a.sessions.ListSessions()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
		return nil
	}
	for _, key := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), key)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.sessions.GetSessionInfo(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sessions.DeleteSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
	return nil
}

func runSessionsRepair(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sessions.RepairSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Repaired session %s\n", args[0])
	return nil
}
