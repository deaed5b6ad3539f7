package main

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/cartloom/cartloom/pkg/config"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/registry"
	"github.com/cartloom/cartloom/pkg/vault"
)

var rewrapCmd = &cobra.Command{
	Use:   "rewrap",
	Short: "Re-encrypt stored tenant credentials under a new vault key",
	Long: `Decrypt every stored tenant connection string with the old
passphrase and re-encrypt it with the current one. Run once after
rotating CARTLOOM_VAULT_PASSPHRASE; safe to re-run.`,
	RunE: runRewrap,
}

func init() {
	rewrapCmd.Flags().String("config", "", "Path to YAML config file")
	rewrapCmd.Flags().String("old-passphrase", "", "Previous vault passphrase")
	rewrapCmd.MarkFlagRequired("old-passphrase")
}

func runRewrap(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	oldPassphrase, _ := cmd.Flags().GetString("old-passphrase")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})

	db, err := sqlx.Connect("pgx", cfg.MasterDB.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to master database: %w", err)
	}
	defer db.Close()

	newVault, err := vault.NewFromPassphrase(cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	oldVault, err := vault.NewFromPassphrase(oldPassphrase)
	if err != nil {
		return fmt.Errorf("failed to initialize old vault: %w", err)
	}

	n, err := registry.New(db, newVault).RewrapCredentials(cmd.Context(), oldVault)
	if err != nil {
		return err
	}
	fmt.Printf("Re-encrypted %d credential(s)\n", n)
	return nil
}
