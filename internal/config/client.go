package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultParamPrefix is the parameter store prefix the CLI reads shared
// settings from when param_prefix is not configured.
const DefaultParamPrefix = "/voicenote"

// ClientConfig is the voicenote CLI configuration. The `mapstructure` tags
// map keys from config.yaml and VOICENOTE_* environment variables.
//
// The daily limit, retention and day boundary are not client settings: they
// are read from the parameter store under ParamPrefix, the same source the
// API uses.
type ClientConfig struct {
	UserID string `mapstructure:"user_id"`
	Region string `mapstructure:"region"`
	Table  string `mapstructure:"table"`
	Bucket string `mapstructure:"bucket"`
	Nats   struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`
	Capture struct {
		// Command writes encoded audio to stdout until it is killed.
		Command     []string `mapstructure:"command"`
		ContentType string   `mapstructure:"content_type"`
		PreviewDir  string   `mapstructure:"preview_dir"`
	} `mapstructure:"capture"`
	ParamPrefix string `mapstructure:"param_prefix"`
}

// DefaultConfigDir returns ~/.voicenote.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voicenote"
	}
	return filepath.Join(home, ".voicenote")
}

// LoadClient reads config.yaml from path (or the default directory when path
// is empty) and overlays VOICENOTE_* environment variables.
func LoadClient(path string) (*ClientConfig, error) {
	v := viper.New()
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("capture.command", []string{"ffmpeg", "-loglevel", "quiet", "-f", "pulse", "-i", "default", "-f", "webm", "-"})
	v.SetDefault("capture.content_type", "audio/webm")
	v.SetDefault("param_prefix", DefaultParamPrefix)

	v.SetEnvPrefix("voicenote")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are invisible to Unmarshal unless bound explicitly.
	for _, key := range []string{"user_id", "region", "table", "bucket", "nats.subject", "capture.preview_dir"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("config: read %s: %w", describe(path), err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: could not map configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields every command needs.
func (c *ClientConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(c.Table) == "" {
		missing = append(missing, "table")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}
	if strings.TrimSpace(strings.Trim(c.ParamPrefix, "/")) == "" {
		return errors.New("config: param_prefix must not be empty")
	}
	return nil
}

func describe(path string) string {
	if path == "" {
		return filepath.Join(DefaultConfigDir(), "config.yaml")
	}
	return path
}
