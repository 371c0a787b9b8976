package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harlowe/hearth/internal/config"
)

var (
	configureProvider string
	configureAPIKey   string
	configureID       string
	configurePriority int
	configureModel    string
	configureShow     bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Configure AI profiles and agent settings",
	Long: `Add or update an AI provider profile and persist the configuration.
Profiles are tried in priority order; lower numbers go first.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureProvider, "provider", "", "AI provider (anthropic, openai)")
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "API key for the provider")
	configureCmd.Flags().StringVar(&configureID, "id", "", "profile ID (defaults to the provider name)")
	configureCmd.Flags().IntVar(&configurePriority, "priority", 0, "profile priority, lower is tried first")
	configureCmd.Flags().StringVar(&configureModel, "model", "", "agent model to use")
	configureCmd.Flags().BoolVar(&configureShow, "show", false, "print the effective config and exit")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if configureShow {
		fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
		return nil
	}

	changed := false

	if configureProvider != "" || configureAPIKey != "" {
		if configureProvider == "" || configureAPIKey == "" {
			return fmt.Errorf("--provider and --api-key must be set together")
		}
		id := configureID
		if id == "" {
			id = configureProvider
		}
		profile := config.AIProfile{
			ID:       id,
			Provider: configureProvider,
			APIKey:   configureAPIKey,
			Priority: configurePriority,
		}

		updated := false
		for i, existing := range cfg.AI.Profiles {
			if existing.ID == id {
				cfg.AI.Profiles[i] = profile
				updated = true
				break
			}
		}
		if !updated {
			cfg.AI.Profiles = append(cfg.AI.Profiles, profile)
		}
		changed = true
		fmt.Fprintf(cmd.OutOrStdout(), "Profile %s (%s) saved\n", id, configureProvider)
	}

	if configureModel != "" {
		cfg.Agent.Model = configureModel
		changed = true
		fmt.Fprintf(cmd.OutOrStdout(), "Agent model set to %s\n", configureModel)
	}

	if !changed {
		return fmt.Errorf("nothing to configure; pass --provider/--api-key or --model (or --show)")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", loader.GetConfigPath())
	return nil
}
