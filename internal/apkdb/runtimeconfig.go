package apkdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the ambient tool configuration (~/.config/apk/config.yml),
// distinct from the on-disk etc/apk/* database files, which are the
// package manager's own install-time state.
type RuntimeConfig struct {
	LockWaitSeconds  int    `yaml:"lock_wait_seconds,omitempty"`
	CacheMaxAgeHours int    `yaml:"cache_max_age_hours,omitempty"`
	Arch             string `yaml:"arch,omitempty"`
	ProxyURL         string `yaml:"proxy_url,omitempty"`
	CredentialBackend string `yaml:"credential_backend,omitempty"` // "keyring" or "kdbx"
}

// ResolvedRuntime holds the fully resolved runtime configuration: env var >
// config file > compiled default.
type ResolvedRuntime struct {
	LockWaitSeconds   int
	CacheMaxAgeHours  int
	Arch              string
	ProxyURL          string
	CredentialBackend string
}

// RuntimeConfigPath returns the path to the user's runtime config file.
var RuntimeConfigPath = defaultRuntimeConfigPath

func defaultRuntimeConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determining config directory: %w", err)
	}
	return filepath.Join(configDir, "apk", "config.yml"), nil
}

// LoadRuntimeConfig reads the runtime config file. Returns a zero-value
// config if missing.
func LoadRuntimeConfig() (*RuntimeConfig, error) {
	path, err := RuntimeConfigPath()
	if err != nil {
		return &RuntimeConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RuntimeConfig{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveRuntimeConfig writes the runtime config file, creating directories as needed.
func SaveRuntimeConfig(cfg *RuntimeConfig) error {
	path, err := RuntimeConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ResolveRuntime resolves the runtime configuration: env vars > config file > defaults.
func ResolveRuntime() (*ResolvedRuntime, error) {
	cfg, err := LoadRuntimeConfig()
	if err != nil {
		return nil, err
	}

	rt := &ResolvedRuntime{
		LockWaitSeconds:   resolveInt(os.Getenv("APK_LOCK_WAIT_SECONDS"), cfg.LockWaitSeconds, 60),
		CacheMaxAgeHours:  resolveInt(os.Getenv("APK_CACHE_MAX_AGE_HOURS"), cfg.CacheMaxAgeHours, 24),
		Arch:              resolveValue(os.Getenv("APK_ARCH"), cfg.Arch, ""),
		ProxyURL:          resolveValue(os.Getenv("APK_PROXY_URL"), cfg.ProxyURL, ""),
		CredentialBackend: resolveValue(os.Getenv("APK_CREDENTIAL_BACKEND"), cfg.CredentialBackend, "keyring"),
	}

	if err := validateCredentialBackend(rt.CredentialBackend); err != nil {
		return nil, err
	}
	return rt, nil
}

func resolveValue(envVal, cfgVal, defaultVal string) string {
	if envVal != "" {
		return envVal
	}
	if cfgVal != "" {
		return cfgVal
	}
	return defaultVal
}

func resolveInt(envVal string, cfgVal, defaultVal int) int {
	if envVal != "" {
		if n, err := strconv.Atoi(envVal); err == nil {
			return n
		}
	}
	if cfgVal != 0 {
		return cfgVal
	}
	return defaultVal
}

func validateCredentialBackend(value string) error {
	if value != "keyring" && value != "kdbx" {
		return fmt.Errorf("credential_backend must be \"keyring\" or \"kdbx\", got %q", value)
	}
	return nil
}

// GetConfigValue returns the value for a config key such as
// "lock_wait_seconds" from the config file.
func GetConfigValue(key string) (string, error) {
	cfg, err := LoadRuntimeConfig()
	if err != nil {
		return "", err
	}
	switch key {
	case "lock_wait_seconds":
		return strconv.Itoa(cfg.LockWaitSeconds), nil
	case "cache_max_age_hours":
		return strconv.Itoa(cfg.CacheMaxAgeHours), nil
	case "arch":
		return cfg.Arch, nil
	case "proxy_url":
		return cfg.ProxyURL, nil
	case "credential_backend":
		return cfg.CredentialBackend, nil
	default:
		return "", fmt.Errorf("unknown config key %q", key)
	}
}

// SetConfigValue sets a value for a config key such as "lock_wait_seconds"
// in the config file.
func SetConfigValue(key, value string) error {
	cfg, err := LoadRuntimeConfig()
	if err != nil {
		return err
	}

	switch key {
	case "lock_wait_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("lock_wait_seconds must be an integer: %w", err)
		}
		cfg.LockWaitSeconds = n
	case "cache_max_age_hours":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache_max_age_hours must be an integer: %w", err)
		}
		cfg.CacheMaxAgeHours = n
	case "arch":
		cfg.Arch = value
	case "proxy_url":
		cfg.ProxyURL = value
	case "credential_backend":
		if err := validateCredentialBackend(value); err != nil {
			return err
		}
		cfg.CredentialBackend = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}

	return SaveRuntimeConfig(cfg)
}
