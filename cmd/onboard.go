package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/methings/agentd/internal/config"
	"github.com/methings/agentd/internal/store"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	snap := cfg.Snapshot()

	providerURL := snap.Brain.ProviderURL
	model := snap.Brain.Model
	apiKey := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Provider URL").
				Description("OpenAI-compatible endpoint. A /responses URL enables the tool loop.").
				Placeholder("https://api.openai.com/v1/responses").
				Value(&providerURL),
			huh.NewInput().
				Title("Model").
				Placeholder("gpt-4o-mini").
				Value(&model),
			huh.NewInput().
				Title("API key").
				Description("Stored in the local credential vault, never in config.json.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	providerURL = strings.TrimSpace(providerURL)
	model = strings.TrimSpace(model)
	apiKey = strings.TrimSpace(apiKey)

	cfg.Brain.ProviderURL = providerURL
	cfg.Brain.Model = model
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("  Config:   %s\n", cfgPath)

	if apiKey != "" {
		s, err := store.Open(filepath.Join(cfg.StateDir(), "agentd.db"))
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.SetCredential(snap.Brain.APIKeyCredential, apiKey); err != nil {
			return fmt.Errorf("store credential: %w", err)
		}
		fmt.Printf("  API key:  stored as credential %q\n", snap.Brain.APIKeyCredential)
	} else {
		fmt.Println("  API key:  skipped (set one later or export OPENAI_API_KEY)")
	}

	fmt.Println("\nDone. Start the control plane with: agentd serve")
	return nil
}
