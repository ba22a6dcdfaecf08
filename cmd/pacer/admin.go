package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/logging"
	"github.com/pacerhq/pacer/internal/rules"
	"github.com/pacerhq/pacer/internal/secrets"
	"github.com/pacerhq/pacer/internal/statefile"
)

func registerAdminCommands(root *cobra.Command) {
	root.AddCommand(statusCmd())
	root.AddCommand(secretsCmd())
	root.AddCommand(rulesCmd())
	root.AddCommand(tempoCmd())
	root.AddCommand(paceCmd())
}

// adminConfig loads config and points logging at the console.
func adminConfig() *config.Config {
	cfg := loadConfig()
	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	logging.Init(logging.Config{Level: level, Format: "auto", Component: "pacer"})
	return cfg
}

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the secret vault",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List vaulted secrets (values are never shown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adminConfig()
			vault, err := secrets.Open(cfg.SecretsPath(), cfg.Secrets.MinLength)
			if err != nil {
				return err
			}
			defer vault.Close()
			all, err := vault.All()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("vault is empty")
				return nil
			}
			fmt.Printf("%-6s %-6s %-8s %s\n", "ID", "TYPE", "LENGTH", "CREATED")
			for _, s := range all {
				fmt.Printf("%-6d %-6s %-8d %s\n", s.ID, s.Type, len(s.Value), s.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove one secret by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			cfg := adminConfig()
			vault, err := secrets.Open(cfg.SecretsPath(), cfg.Secrets.MinLength)
			if err != nil {
				return err
			}
			defer vault.Close()
			removed, err := vault.Remove(id)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no secret with id %d", id)
			}
			fmt.Printf("removed secret %d\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adminConfig()
			vault, err := secrets.Open(cfg.SecretsPath(), cfg.Secrets.MinLength)
			if err != nil {
				return err
			}
			defer vault.Close()
			n, err := vault.Clear()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d secrets\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate (type, value) rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adminConfig()
			vault, err := secrets.Open(cfg.SecretsPath(), cfg.Secrets.MinLength)
			if err != nil {
				return err
			}
			defer vault.Close()
			n, err := vault.Dedupe()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d duplicates\n", n)
			return nil
		},
	})

	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage intent-validation rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adminConfig()
			set, err := rules.Load(cfg.RulesPath())
			if err != nil {
				return err
			}
			if set.Empty() {
				fmt.Println("no rules configured")
				return nil
			}
			printRules := func(kind string, list []rules.Rule) {
				for _, r := range list {
					files := ""
					if len(r.Files) > 0 {
						files = fmt.Sprintf(" (files: %v)", r.Files)
					}
					fmt.Printf("%-8s %-8s %s%s\n", r.ID, kind, r.Text, files)
				}
			}
			printRules(rules.KindTDD, set.TDD)
			printRules(rules.KindCleanCode, set.CleanCode)
			return nil
		},
	})

	var addFiles []string
	addCmd := &cobra.Command{
		Use:   "add <tdd|clean_code> <text>",
		Short: "Add a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adminConfig()
			set, err := rules.Load(cfg.RulesPath())
			if err != nil {
				return err
			}
			r, err := set.Add(args[0], args[1], addFiles)
			if err != nil {
				return err
			}
			if err := rules.Save(cfg.RulesPath(), set); err != nil {
				return err
			}
			fmt.Printf("added rule %s\n", r.ID)
			return nil
		},
	}
	addCmd.Flags().StringSliceVar(&addFiles, "files", nil, "wildcard patterns limiting where the rule applies")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a rule by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adminConfig()
			set, err := rules.Load(cfg.RulesPath())
			if err != nil {
				return err
			}
			if err := set.Remove(args[0]); err != nil {
				return err
			}
			if err := rules.Save(cfg.RulesPath(), set); err != nil {
				return err
			}
			fmt.Printf("removed rule %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func tempoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tempo <on|off>",
		Short: "Toggle turn-boundary pacing for the active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			cfg := adminConfig()
			hs := statefile.LoadHookState(cfg.HookStatePath())
			hs.TempoSessionEnabled = enabled
			if err := statefile.Save(cfg.HookStatePath(), hs); err != nil {
				return err
			}
			fmt.Printf("tempo %s\n", args[0])
			return nil
		},
	}
	return cmd
}
