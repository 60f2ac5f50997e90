// internal/config/credentials.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables consulted when credentials are not passed
// explicitly.
const (
	EnvAPIKey     = "RUNPOD_API_KEY"
	EnvEndpointID = "RUNPOD_ENDPOINT_ID"
)

// Credentials identify a RunPod serverless endpoint.
type Credentials struct {
	APIKey     string `json:"api_key"`
	EndpointID string `json:"endpoint_id"`
}

// Complete reports whether both fields are set.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.EndpointID != ""
}

// CredentialStore persists credentials as JSON at a fixed path.
type CredentialStore struct {
	Path string
}

// DefaultCredentialPath places the credential file under the user config
// directory.
func DefaultCredentialPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "videoextend", "credentials.json"), nil
}

// Load reads stored credentials. A missing file is not an error; it yields
// empty credentials so the caller falls through to other sources.
func (s *CredentialStore) Load() (Credentials, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials file %s: %w", s.Path, err)
	}
	return creds, nil
}

// Save writes the credentials, creating parent directories as needed. The
// file is user-readable only since it holds an API key.
func (s *CredentialStore) Save(creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// ResolveCredentials merges credential sources field by field. Explicit
// values win, then environment variables, then the stored file.
func ResolveCredentials(explicit Credentials, store *CredentialStore) (Credentials, error) {
	resolved := explicit

	if resolved.APIKey == "" {
		resolved.APIKey = os.Getenv(EnvAPIKey)
	}
	if resolved.EndpointID == "" {
		resolved.EndpointID = os.Getenv(EnvEndpointID)
	}

	if resolved.Complete() || store == nil {
		return resolved, nil
	}

	stored, err := store.Load()
	if err != nil {
		return resolved, err
	}
	if resolved.APIKey == "" {
		resolved.APIKey = stored.APIKey
	}
	if resolved.EndpointID == "" {
		resolved.EndpointID = stored.EndpointID
	}
	return resolved, nil
}
