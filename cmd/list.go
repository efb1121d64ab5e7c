package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/tauguard/internal/config"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured models and tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Println("Models:")
			for _, m := range cfg.Models {
				fmt.Printf("  - %s (provider: %s)\n", m.Name, m.Provider)
			}
			fmt.Println("\nTasks:")
			for _, t := range cfg.Tasks {
				source := t.Path
				if t.Repo != "" {
					source = t.Repo + "@" + t.Tag
				}
				rules := "none"
				if len(t.SecurityRules) > 0 {
					rules = strings.Join(t.SecurityRules, ",")
				}
				fmt.Printf("  - %s: %s [%s, rules: %s]\n", t.Name, source, t.Language, rules)
			}
			p := cfg.Loop.Policy()
			fmt.Printf("\nLoop: tau_max=%d ok_threshold=%.2f plateau_epsilon=%.2f early_stop=%v baseline=%v\n",
				p.TauMax, p.OKThreshold, p.PlateauEpsilon, p.EarlyStopPlateau, cfg.Loop.BaselineEnabled())
			return nil
		},
	}
}
