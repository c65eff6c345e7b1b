package config

import "time"

const (
	DefaultAPIBase = "https://openrouter.ai/api/v1"
	DefaultModel   = "meta-llama/llama-3.1-70b-instruct"
	DefaultTimeout = 30 * time.Second
)

func Defaults() *Config {
	return &Config{
		Discord: DiscordConfig{
			Activity: "your messages",
		},
		Completion: CompletionConfig{
			APIBase:     DefaultAPIBase,
			Model:       DefaultModel,
			MaxTokens:   1000,
			Temperature: 0.7,
			Timeout:     DefaultTimeout,
			MaxRetries:  0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Template returns a config suitable for writing to disk with `config init`:
// secrets are left as ${VAR} references so the file never holds them.
func Template() *Config {
	cfg := Defaults()
	cfg.Discord.Token = "${" + EnvDiscordToken + "}"
	cfg.Discord.AllowedChannelID = "${" + EnvAllowedChannelID + "}"
	cfg.Completion.APIKey = "${" + EnvOpenRouterKey + "}"
	return cfg
}
