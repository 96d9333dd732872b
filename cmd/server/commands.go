package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ad-rule-engine/internal/app/server"
	"ad-rule-engine/internal/config"
	"ad-rule-engine/internal/engine"
	"ad-rule-engine/internal/rulesfile"
	"ad-rule-engine/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down|version",
	Short:     "Apply or inspect the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{storage.MigrateUp, storage.MigrateDown, storage.MigrateVersion},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		version, err := storage.Migrate(cfg.DSN(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <rule-id>",
	Short: "Run one rule now and print its execution log entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		app, err := server.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		rule, err := app.Rules.Get(ctx, args[0])
		if err != nil {
			return err
		}
		startedAt := time.Now()
		entry := app.Runner.RunRule(ctx, rule, engine.RunOptions{DryRun: dryRun})
		if !dryRun {
			if err := app.Rules.MarkRun(ctx, rule.ID, startedAt); err != nil {
				log.Error().Err(err).Str("rule_id", rule.ID).Msg("mark rule run")
			}
		}
		if err := printJSON(cmd.OutOrStdout(), entry); err != nil {
			return err
		}
		if entry.Status == engine.RunFailed {
			return fmt.Errorf("rule %s failed: %s", rule.ID, entry.Error)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Execute due reverts once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		app, err := server.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		out := app.Runner.SweepReverts(ctx, time.Now())
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage stored rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Validate a rules YAML file and upsert its rules into Postgres",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Driver != config.StoragePostgres {
			return errors.New("rules import requires storage.driver=postgres")
		}
		doc, err := rulesfile.Read(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		st, err := storage.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, r := range doc.Rules {
			if err := st.UpsertRule(ctx, r); err != nil {
				return fmt.Errorf("import rule %s: %w", r.ID, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules\n", len(doc.Rules))
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "evaluate and gate without changing anything on the ad platform")
	rulesCmd.AddCommand(rulesImportCmd)
	rootCmd.AddCommand(migrateCmd, runCmd, sweepCmd, rulesCmd)
}
