// Package vault sources broker credentials from HashiCorp Vault with an
// in-memory fallback cache, so a Vault outage after startup does not stop
// trading.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Credentials holds the gateway login material stored in Vault.
type Credentials struct {
	UserName string `json:"user_name"`
	APIKey   string `json:"api_key"`
}

// Config holds Vault connection settings.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount, e.g. "secret"
	SecretPath string `json:"secret_path"` // path under the mount, e.g. "trading/gateway"
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Client wraps the HashiCorp Vault client. When Vault is disabled the client
// serves only what was seeded into the cache.
type Client struct {
	client *api.Client
	config Config

	mu    sync.RWMutex
	cache *Credentials
}

// NewClient creates a Vault client.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// Seed places credentials directly in the cache. Used when they come from
// the environment instead of Vault.
func (c *Client) Seed(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = &creds
}

// GetCredentials reads the gateway credentials, preferring Vault and falling
// back to the cached copy when Vault is unreachable.
func (c *Client) GetCredentials(ctx context.Context) (*Credentials, error) {
	if !c.config.Enabled {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.cache == nil {
			return nil, fmt.Errorf("credentials not found and vault is disabled")
		}
		creds := *c.cache
		return &creds, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.cache != nil {
			creds := *c.cache
			return &creds, nil
		}
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials not found in vault")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &Credentials{
		UserName: getString(data, "user_name"),
		APIKey:   getString(data, "api_key"),
	}
	if creds.UserName == "" || creds.APIKey == "" {
		return nil, fmt.Errorf("incomplete credentials in vault")
	}

	c.mu.Lock()
	c.cache = creds
	c.mu.Unlock()

	copied := *creds
	return &copied, nil
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection.
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

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
