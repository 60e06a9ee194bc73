// Package config reads DSA credentials from an rc file and tool settings from
// a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const rcName = ".dsarc"

// rc keys; the same names are honoured as environment variables.
const (
	KeyAPIURL       = "DSA_API_URL"
	KeyToken        = "DSA_TOKEN"
	KeyUsername     = "DSA_USERNAME"
	KeyPassword     = "DSA_PASSWORD"
	KeyResourceID   = "DSA_RESOURCE_ID"
	KeyResourceType = "DSA_RESOURCE_TYPE"
	KeyInstitution  = "BDSA_INSTITUTION_ID"
)

// Config holds connection details for one DSA server.
type Config struct {
	APIURL        string
	Token         string
	Username      string
	Password      string
	ResourceID    string
	ResourceType  string
	InstitutionID string
}

func (c *Config) fields() []struct {
	key string
	val *string
} {
	return []struct {
		key string
		val *string
	}{
		{KeyAPIURL, &c.APIURL},
		{KeyToken, &c.Token},
		{KeyUsername, &c.Username},
		{KeyPassword, &c.Password},
		{KeyResourceID, &c.ResourceID},
		{KeyResourceType, &c.ResourceType},
		{KeyInstitution, &c.InstitutionID},
	}
}

// DefaultPath is ~/.dsarc, or ./.dsarc when no home directory is known.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return rcName
	}
	return filepath.Join(home, rcName)
}

// Load reads path (a missing file is not an error) and lets environment
// variables override individual keys.
func Load(path string) (Config, error) {
	var cfg Config
	values := map[string]string{}
	if path != "" {
		m, err := godotenv.Read(path)
		switch {
		case err == nil:
			values = m
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}
	for _, f := range cfg.fields() {
		if v, ok := os.LookupEnv(f.key); ok && strings.TrimSpace(v) != "" {
			*f.val = strings.TrimSpace(v)
			continue
		}
		*f.val = strings.TrimSpace(values[f.key])
	}
	return cfg, nil
}

// Save writes cfg to path with owner-only permissions. The password is
// never persisted.
func Save(path string, cfg Config) error {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return errors.New("api url required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return errors.New("token required")
	}
	values := map[string]string{}
	for _, f := range cfg.fields() {
		if f.key == KeyPassword || *f.val == "" {
			continue
		}
		values[f.key] = *f.val
	}
	out, err := godotenv.Marshal(values)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(out+"\n"), 0o600)
}

// HasLogin reports whether username and password are both set.
func (c Config) HasLogin() bool {
	return c.Username != "" && c.Password != ""
}
