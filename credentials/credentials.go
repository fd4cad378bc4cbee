// Package credentials loads the completion API key from standard locations.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the credentials file is readable
// by anyone but its owner.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// EnvAPIKey is the environment variable consulted when no credentials
// file provides a key.
const EnvAPIKey = "COMPLETION_API_KEY"

// Credentials holds values loaded from credentials.toml.
type Credentials struct {
	// Completion holds the completion API credentials.
	Completion *CompletionCreds `toml:"completion"`
}

// CompletionCreds holds the completion API key and optional overrides.
type CompletionCreds struct {
	APIKey   string `toml:"api_key"`
	Endpoint string `toml:"endpoint"`
	Model    string `toml:"model"`
}

// StandardPaths returns the credential file locations in priority order.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "brokerkit", "credentials.toml"),
			filepath.Join(home, ".brokerkit", "credentials.toml"),
		)
	}

	return paths
}

// Load loads credentials from the first available standard location.
// A missing file is not an error; the returned Credentials is nil.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions unless the file is owner-read-only.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, err
	}

	return &creds, nil
}

// APIKey returns the configured API key.
// Priority: [completion] section > environment variable. Empty if neither
// is set; the broker then issues unauthenticated requests.
func (c *Credentials) APIKey() string {
	if c != nil && c.Completion != nil && c.Completion.APIKey != "" {
		return c.Completion.APIKey
	}
	return os.Getenv(EnvAPIKey)
}

// Endpoint returns the endpoint override from the file, if any.
func (c *Credentials) Endpoint() string {
	if c != nil && c.Completion != nil {
		return c.Completion.Endpoint
	}
	return ""
}

// Model returns the model override from the file, if any.
func (c *Credentials) Model() string {
	if c != nil && c.Completion != nil {
		return c.Completion.Model
	}
	return ""
}
