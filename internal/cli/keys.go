package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"trade-lifecycle-engine/internal/auth"
	"trade-lifecycle-engine/internal/vault"
)

func newHashPasswordCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash for auth.operator_password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func newKeysCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage exchange API keys in Vault",
	}

	var (
		user      string
		exchange  string
		testnet   bool
		apiKey    string
		secretKey string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Store exchange API keys in Vault",
		Long: `Store exchange API keys in Vault for the engine to resolve at startup.
Keys default to $BINANCE_API_KEY and $BINANCE_SECRET_KEY so they stay out of
shell history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if !cfg.VaultConfig.Enabled {
				return fmt.Errorf("vault is not enabled in configuration")
			}
			if apiKey == "" {
				apiKey = os.Getenv("BINANCE_API_KEY")
			}
			if secretKey == "" {
				secretKey = os.Getenv("BINANCE_SECRET_KEY")
			}
			if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(secretKey) == "" {
				return fmt.Errorf("api key and secret key are required")
			}
			if user == "" {
				user = cfg.ExchangeConfig.UserID
			}

			vc, err := vault.NewClient(cfg.VaultConfig)
			if err != nil {
				return err
			}
			err = vc.StoreAPIKey(commandContext(cmd), user, vault.APIKeyData{
				APIKey:    strings.TrimSpace(apiKey),
				SecretKey: strings.TrimSpace(secretKey),
				Exchange:  exchange,
				IsTestnet: testnet,
			})
			if err != nil {
				return err
			}
			network := "mainnet"
			if testnet {
				network = "testnet"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s %s keys for %s\n", exchange, network, user)
			return nil
		},
	}
	set.Flags().StringVar(&user, "user", "", "key owner (default exchange.user_id)")
	set.Flags().StringVar(&exchange, "exchange", "binance", "exchange name")
	set.Flags().BoolVar(&testnet, "testnet", false, "store testnet keys")
	set.Flags().StringVar(&apiKey, "api-key", "", "API key (default $BINANCE_API_KEY)")
	set.Flags().StringVar(&secretKey, "secret-key", "", "secret key (default $BINANCE_SECRET_KEY)")

	cmd.AddCommand(set)
	return cmd
}
