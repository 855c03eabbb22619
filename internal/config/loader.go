package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".marketclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MARKETCLAW"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("MARKETCLAW_CONFIG")); explicit != "" {
		return ExpandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// resolveHomeDir honours MARKETCLAW_HOME before the user's home directory.
func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("MARKETCLAW_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// ExpandHome replaces a leading ~ with the marketclaw home directory.
func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

type rootEnv struct {
	Environment string `split_words:"true"`
	Debug       *bool  `split_words:"true"`
}

// Load loads the configuration from .env files, the config file and
// environment variables. Priority: environment > file > defaults.
func Load() (*Config, error) {
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads defaults, then path if it exists, then environment overrides.
// It does not read .env files.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Claude.APIKey == "" {
		cfg.Claude.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}
	if cfg.Workflows.File == "" {
		cfg.Workflows.File = "workflows.yaml"
	}

	for _, p := range []*string{&cfg.Store.DBPath, &cfg.Scheduler.LockPath, &cfg.Workflows.Dir} {
		if *p, err = ExpandHome(*p); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var root rootEnv
	groups := []struct {
		prefix string
		spec   any
	}{
		{EnvPrefix, &root},
		{EnvPrefix + "_LOG", &cfg.Log},
		{EnvPrefix + "_BUS", &cfg.Bus},
		{EnvPrefix + "_AGENTS", &cfg.Agents},
		{EnvPrefix + "_SCHEDULER", &cfg.Scheduler},
		{EnvPrefix + "_STORE", &cfg.Store},
		{EnvPrefix + "_REDIS", &cfg.Redis},
		{EnvPrefix + "_MARKET", &cfg.Market},
		{EnvPrefix + "_CLAUDE", &cfg.Claude},
		{EnvPrefix + "_ALERTS", &cfg.Alerts},
		{EnvPrefix + "_SMTP", &cfg.Alerts.SMTP},
		{EnvPrefix + "_SLACK", &cfg.Alerts.Slack},
		{EnvPrefix + "_KAFKA", &cfg.Kafka},
		{EnvPrefix + "_TRACING", &cfg.Tracing},
		{EnvPrefix + "_WORKFLOWS", &cfg.Workflows},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}
	if root.Environment != "" {
		cfg.Environment = root.Environment
	}
	if root.Debug != nil {
		cfg.Debug = *root.Debug
	}
	return nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes cfg as indented JSON to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// loadConfigObject reads path, merging any "$include" files beneath it and
// substituting ${VAR} references from the environment.
func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolved := includePath
			if !filepath.IsAbs(includePath) {
				resolved = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolved, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, ok := val.(map[string]any)
		if !ok {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			name := envPattern.FindStringSubmatch(match)[1]
			if value, ok := os.LookupEnv(name); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
