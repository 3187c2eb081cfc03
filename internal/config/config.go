package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/agentcore-dev/core/internal/corelog"
)

// ProviderConfig holds per-provider credentials and overrides.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// Config is the core runtime's merged configuration (spec.md's ambient
// config layer, generalized from the teacher's provider/agent config).
type Config struct {
	Model      string                     `json:"model,omitempty"`
	SmallModel string                     `json:"smallModel,omitempty"`
	Provider   map[string]ProviderConfig  `json:"provider,omitempty"`

	DBDriver string `json:"dbDriver,omitempty"` // "sqlite" | "postgres"
	DBPath   string `json:"dbPath,omitempty"`   // sqlite file path or postgres DSN

	HookTimeoutMs     int `json:"hookTimeoutMs,omitempty"`
	DoomLoopThreshold int `json:"doomLoopThreshold,omitempty"`
	MaxTurnsPerSpawn  int `json:"maxTurnsPerSpawn,omitempty"`
}

func defaults() *Config {
	return &Config{
		Model:             "claude-sonnet-4-5",
		Provider:          make(map[string]ProviderConfig),
		DBDriver:          "sqlite",
		HookTimeoutMs:     5000,
		DoomLoopThreshold: 3,
		MaxTurnsPerSpawn:  50,
	}
}

// Load loads configuration from multiple sources (priority order, each
// overriding the last):
//  1. Global config (~/.config/agentcore/agentcore.jsonc)
//  2. Project config (<directory>/.agent/agentcore.jsonc)
//  3. A .env file in directory, if present
//  4. Environment variables
//
// AGENTCORE_MODEL and AGENTCORE_DB_PATH always override. ANTHROPIC_API_KEY
// and OPENAI_API_KEY only fill a provider API key that no config file set.
func Load(directory string) (*Config, error) {
	cfg := defaults()
	cfg.DBPath = GetPaths().StoragePath()

	loadConfigFile(GlobalConfigPath(), cfg)
	if directory != "" {
		loadConfigFile(ProjectConfigPath(directory), cfg)

		envPath := filepath.Join(directory, ".env")
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			corelog.Warn().Err(err).Str("path", envPath).Msg("failed to load .env")
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // absent is fine; every layer is optional
	}

	var fileCfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &fileCfg); err != nil {
		corelog.Warn().Err(err).Str("path", path).Msg("failed to parse config file")
		return
	}
	mergeConfig(cfg, &fileCfg)
}

func mergeConfig(target, source *Config) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}
	if source.DBDriver != "" {
		target.DBDriver = source.DBDriver
	}
	if source.DBPath != "" {
		target.DBPath = source.DBPath
	}
	if source.HookTimeoutMs != 0 {
		target.HookTimeoutMs = source.HookTimeoutMs
	}
	if source.DoomLoopThreshold != 0 {
		target.DoomLoopThreshold = source.DoomLoopThreshold
	}
	if source.MaxTurnsPerSpawn != 0 {
		target.MaxTurnsPerSpawn = source.MaxTurnsPerSpawn
	}
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if cfg.Provider == nil {
				cfg.Provider = make(map[string]ProviderConfig)
			}
			p := cfg.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				cfg.Provider[provider] = p
			}
		}
	}
	if model := os.Getenv("AGENTCORE_MODEL"); model != "" {
		cfg.Model = model
	}
	if dbPath := os.Getenv("AGENTCORE_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
}

// Save writes the configuration to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Watch live-reloads the project config file, invoking onChange with the
// freshly merged Config whenever the underlying file is written.
func Watch(directory string, onChange func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watchDir := filepath.Dir(ProjectConfigPath(directory))
	if err := os.MkdirAll(watchDir, 0755); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(directory)
				if err != nil {
					corelog.Warn().Err(err).Msg("reload failed")
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				corelog.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return watcher, nil
}
