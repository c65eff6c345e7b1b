package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load. The first three are required.
const (
	EnvDiscordToken     = "DISCORD_TOKEN"
	EnvOpenRouterKey    = "OPENROUTER_KEY"
	EnvAllowedChannelID = "ALLOWED_CHANNEL_ID"

	EnvModel      = "OPENROUTER_MODEL"
	EnvAPIBase    = "OPENROUTER_API_BASE"
	EnvTimeout    = "COMPLETION_TIMEOUT"
	EnvGuildID    = "DISCORD_GUILD_ID"
	EnvLogLevel   = "LOG_LEVEL"
	EnvLogFile    = "LOG_FILE"
	EnvStatusAddr = "STATUS_ADDR"
	EnvMaxRetries = "COMPLETION_MAX_RETRIES"
)

// Config is the root configuration for relaybot. It is loaded once at startup
// and handed to each component by value or pointer; nothing mutates it afterwards.
type Config struct {
	Discord    DiscordConfig    `yaml:"discord"`
	Completion CompletionConfig `yaml:"completion"`
	Log        LogConfig        `yaml:"log"`
	Status     StatusConfig     `yaml:"status"`
}

type DiscordConfig struct {
	Token            string `yaml:"token"`
	AllowedChannelID string `yaml:"allowedChannelId"`
	GuildID          string `yaml:"guildId,omitempty"` // optional: register slash commands in one guild only
	Activity         string `yaml:"activity"`          // "listening to ..." presence text
}

type CompletionConfig struct {
	APIKey      string        `yaml:"apiKey"`
	APIBase     string        `yaml:"apiBase"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"maxTokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"maxRetries"` // 0 = every upstream failure is terminal
	Referer     string        `yaml:"referer,omitempty"`
	Title       string        `yaml:"title,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"` // optional log file, written alongside stderr
}

type StatusConfig struct {
	Addr string `yaml:"addr,omitempty"` // empty = status server disabled
}

// Error is a fatal configuration problem. It names every offending setting so
// the operator can fix them in one go.
type Error struct {
	Missing []string
	Invalid []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required configuration: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid configuration:\n  - "+strings.Join(e.Invalid, "\n  - "))
	}
	return strings.Join(parts, "; ")
}

// Load builds the configuration from defaults, the optional YAML file at path,
// and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	envErrs := applyEnv(cfg, os.LookupEnv)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	err := Validate(cfg)
	if len(envErrs) > 0 {
		cerr, ok := err.(*Error)
		if !ok {
			cerr = &Error{}
		}
		cerr.Invalid = append(envErrs, cerr.Invalid...)
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on cfg. Set-but-empty variables are
// treated as unset. It returns a description of each unparseable value.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvDiscordToken); ok {
		cfg.Discord.Token = v
	}
	if v, ok := get(EnvOpenRouterKey); ok {
		cfg.Completion.APIKey = v
	}
	if v, ok := get(EnvAllowedChannelID); ok {
		cfg.Discord.AllowedChannelID = v
	}
	if v, ok := get(EnvGuildID); ok {
		cfg.Discord.GuildID = v
	}
	if v, ok := get(EnvModel); ok {
		cfg.Completion.Model = v
	}
	if v, ok := get(EnvAPIBase); ok {
		cfg.Completion.APIBase = strings.TrimRight(v, "/")
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := get(EnvLogFile); ok {
		cfg.Log.File = v
	}
	if v, ok := get(EnvStatusAddr); ok {
		cfg.Status.Addr = v
	}

	var errs []string
	if v, ok := get(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be a duration such as 30s: %q", EnvTimeout, v))
		} else {
			cfg.Completion.Timeout = d
		}
	}
	if v, ok := get(EnvMaxRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer: %q", EnvMaxRetries, v))
		} else {
			cfg.Completion.MaxRetries = n
		}
	}
	return errs
}

// Validate checks that the config is complete and has valid values.
// The returned error, if any, is a *Error.
func Validate(cfg *Config) error {
	e := &Error{}

	if cfg.Discord.Token == "" {
		e.Missing = append(e.Missing, EnvDiscordToken)
	}
	if cfg.Completion.APIKey == "" {
		e.Missing = append(e.Missing, EnvOpenRouterKey)
	}
	if cfg.Discord.AllowedChannelID == "" {
		e.Missing = append(e.Missing, EnvAllowedChannelID)
	} else if !isSnowflake(cfg.Discord.AllowedChannelID) {
		e.Invalid = append(e.Invalid, EnvAllowedChannelID+" must be a valid integer channel ID")
	}
	if cfg.Discord.GuildID != "" && !isSnowflake(cfg.Discord.GuildID) {
		e.Invalid = append(e.Invalid, EnvGuildID+" must be a valid integer guild ID")
	}

	if cfg.Completion.APIBase == "" {
		e.Invalid = append(e.Invalid, "completion.apiBase must not be empty")
	}
	if cfg.Completion.Model == "" {
		e.Invalid = append(e.Invalid, "completion.model must not be empty")
	}
	if cfg.Completion.Timeout < time.Second || cfg.Completion.Timeout > 5*time.Minute {
		e.Invalid = append(e.Invalid, "completion.timeout must be between 1s and 5m")
	}
	if cfg.Completion.MaxRetries < 0 || cfg.Completion.MaxRetries > 5 {
		e.Invalid = append(e.Invalid, "completion.maxRetries must be between 0 and 5")
	}
	if cfg.Completion.MaxTokens < 1 {
		e.Invalid = append(e.Invalid, "completion.maxTokens must be >= 1")
	}
	if cfg.Completion.Temperature < 0 || cfg.Completion.Temperature > 2 {
		e.Invalid = append(e.Invalid, "completion.temperature must be between 0 and 2")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		e.Invalid = append(e.Invalid, "log.level must be one of: debug, info, warn, error")
	}

	if len(e.Missing) > 0 || len(e.Invalid) > 0 {
		return e
	}
	return nil
}

// isSnowflake reports whether s is a positive decimal Discord ID.
func isSnowflake(s string) bool {
	n, err := strconv.ParseUint(s, 10, 64)
	return err == nil && n > 0
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return "" // unresolved references count as unset
		}
		return val
	})
}

// Save writes cfg as YAML, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
