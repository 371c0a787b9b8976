package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Reindex the memory workspace",
	Long:  `Walk the memory workspace and rebuild the search index for changed files.`,
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.store == nil {
		return fmt.Errorf("memory is disabled in config")
	}

	a.store.MarkDirty()
	if err := a.store.Sync(ctx); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}

	status := a.store.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Indexed %d files (%d chunks) under %s\n", status.TotalFiles, status.TotalChunks, a.store.Dir())
	if status.EmbeddingCacheHitRate != nil {
		fmt.Fprintf(out, "Embedding cache hit rate: %.0f%%\n", *status.EmbeddingCacheHitRate*100)
	}
	return nil
}
