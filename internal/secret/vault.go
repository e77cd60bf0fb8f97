package secret

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds connection and auth settings for the vault source.
type VaultConfig struct {
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`
}

// VaultSource reads secrets from HashiCorp Vault. Path format is
// "path/to/secret#key"; the key defaults to "value" when omitted. KV v2
// data wrapping is unwrapped transparently.
type VaultSource struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewVaultSource creates a vault source using token auth when Token is set,
// otherwise AppRole auth.
func NewVaultSource(cfg VaultConfig, logger *slog.Logger) (*VaultSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	s := &VaultSource{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
		return s, nil
	}

	if cfg.RoleID == "" {
		return nil, fmt.Errorf("vault: token or role_id required")
	}

	login, err := client.Logical().Write("auth/approle/login", map[string]any{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
	if err != nil {
		return nil, fmt.Errorf("vault approle login: %w", err)
	}
	if login == nil || login.Auth == nil {
		return nil, fmt.Errorf("vault approle login returned no auth info")
	}
	client.SetToken(login.Auth.ClientToken)

	s.wg.Add(1)
	go s.renewToken(login.Auth)
	return s, nil
}

// Get retrieves a secret value from Vault.
func (s *VaultSource) Get(ctx context.Context, path string) (string, error) {
	secretPath, key, ok := strings.Cut(path, "#")
	if !ok {
		key = "value"
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}

	val, found := data[key]
	if !found {
		return "", fmt.Errorf("key %q not found in vault secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops token renewal.
func (s *VaultSource) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *VaultSource) renewToken(auth *vault.SecretAuth) {
	defer s.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := s.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		s.logger.Error("vault lifetime watcher failed", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				s.logger.Error("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
			s.logger.Debug("vault token renewed")
		}
	}
}
