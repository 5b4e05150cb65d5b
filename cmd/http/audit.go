package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hilthontt/dropchat/internal/infrastructure/configs"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/persistence/db"
	"github.com/spf13/cobra"
)

var (
	auditLimit     int
	auditOlderThan time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the room audit trail stored in MongoDB",
}

var auditListCmd = &cobra.Command{
	Use:   "list <roomId>",
	Short: "Print the most recent audit entries for a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configs.Load(configs.DetermineConfigPath(configPath))
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		repo, client, err := openAuditRepository(ctx, cfg, logging.NewNop())
		if err != nil {
			return err
		}
		defer db.DisconnectMongo(ctx, client)

		logs, err := repo.GetByRoomID(ctx, args[0], auditLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, entry := range logs {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return nil
	},
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit entries older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		cfg, err := configs.Load(configs.DetermineConfigPath(configPath))
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		repo, client, err := openAuditRepository(ctx, cfg, logging.NewNop())
		if err != nil {
			return err
		}
		defer db.DisconnectMongo(ctx, client)

		before := time.Now().Add(-auditOlderThan)
		if err := repo.DeleteOlderThan(ctx, before); err != nil {
			return fmt.Errorf("failed to prune audit log: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "pruned audit entries before %s\n", before.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to print")
	auditPruneCmd.Flags().DurationVar(&auditOlderThan, "older-than", 30*24*time.Hour, "age threshold")
	auditCmd.AddCommand(auditListCmd, auditPruneCmd)
}
