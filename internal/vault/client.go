// Package vault resolves exchange API credentials from a HashiCorp Vault KV v2
// engine, falling back to the keys in the exchange config when Vault is disabled.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"trade-lifecycle-engine/config"
)

// ErrKeyNotFound is returned when no credentials exist for the user and exchange
var ErrKeyNotFound = errors.New("exchange API key not found")

// APIKeyData represents the exchange credentials stored in Vault
type APIKeyData struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client with an in-memory credential cache
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*APIKeyData
}

// NewClient creates a Vault client. A disabled config yields a client that only
// serves credentials stored in its cache.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*APIKeyData),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	return c, nil
}

// StoreAPIKey writes credentials for a user
func (c *Client) StoreAPIKey(ctx context.Context, userID string, data APIKeyData) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    data.APIKey,
				"secret_key": data.SecretKey,
				"exchange":   data.Exchange,
				"is_testnet": data.IsTestnet,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(userID, data.Exchange, data.IsTestnet), secretData); err != nil {
			return fmt.Errorf("failed to store API key in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[cacheKey(userID, data.Exchange, data.IsTestnet)] = &data
	c.mu.Unlock()
	return nil
}

// GetAPIKey retrieves credentials for a user, from cache when possible
func (c *Client) GetAPIKey(ctx context.Context, userID, exchange string, isTestnet bool) (*APIKeyData, error) {
	key := cacheKey(userID, exchange, isTestnet)
	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !c.config.Enabled {
		return nil, ErrKeyNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(userID, exchange, isTestnet))
	if err != nil {
		return nil, fmt.Errorf("failed to read API key from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrKeyNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	apiKeyData := &APIKeyData{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Exchange:  getString(data, "exchange"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if apiKeyData.APIKey == "" || apiKeyData.SecretKey == "" {
		return nil, fmt.Errorf("%w: incomplete secret at %s", ErrKeyNotFound, c.secretPath(userID, exchange, isTestnet))
	}

	c.mu.Lock()
	c.cache[key] = apiKeyData
	c.mu.Unlock()
	return apiKeyData, nil
}

// ResolveExchangeConfig fills the API keys of an exchange config from Vault.
// Keys already present in the config win; a disabled Vault returns cfg unchanged.
func (c *Client) ResolveExchangeConfig(ctx context.Context, cfg config.ExchangeConfig) (config.ExchangeConfig, error) {
	if !c.config.Enabled || (cfg.APIKey != "" && cfg.SecretKey != "") {
		return cfg, nil
	}

	keys, err := c.GetAPIKey(ctx, cfg.UserID, cfg.Provider, cfg.TestNet)
	if err != nil {
		return cfg, fmt.Errorf("failed to resolve %s credentials for %q: %w", cfg.Provider, cfg.UserID, err)
	}
	cfg.APIKey = keys.APIKey
	cfg.SecretKey = keys.SecretKey
	return cfg, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 data path of a credential
func (c *Client) secretPath(userID, exchange string, isTestnet bool) string {
	return fmt.Sprintf("%s/data/%s/%s/%s_%s", c.config.MountPath, c.config.SecretPath, userID, exchange, network(isTestnet))
}

func cacheKey(userID, exchange string, isTestnet bool) string {
	return fmt.Sprintf("%s/%s_%s", userID, exchange, network(isTestnet))
}

func network(isTestnet bool) string {
	if isTestnet {
		return "testnet"
	}
	return "mainnet"
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}
