package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voicenote/internal/integrations/paramstore"
)

const (
	DefaultDailyLimit    = 5
	DefaultRetentionDays = 3
)

// Settings are the runtime knobs shared by the Lambda and the CLI.
type Settings struct {
	DailyLimit    int
	RetentionDays int
	Location      *time.Location
	// AudioBaseURL, when set, replaces the bucket URL in message audio refs (e.g. a CDN).
	AudioBaseURL string
}

// Retention returns how long after creation a message expires.
func (s Settings) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// DefaultSettings returns the product defaults: 5 sends a day, 3 day retention, UTC days.
func DefaultSettings() Settings {
	return Settings{
		DailyLimit:    DefaultDailyLimit,
		RetentionDays: DefaultRetentionDays,
		Location:      time.UTC,
	}
}

// LoadSettings reads optional overrides stored under prefix in the parameter store:
//
//	<prefix>/config/daily_limit
//	<prefix>/config/retention_days
//	<prefix>/config/timezone
//	<prefix>/config/audio_base_url
func LoadSettings(ctx context.Context, g paramstore.Getter, prefix string) (Settings, error) {
	if g == nil {
		return Settings{}, errors.New("config: parameter getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return Settings{}, errors.New("config: parameter prefix must not be empty")
	}

	s := DefaultSettings()
	lookup := func(name string) (string, bool, error) {
		v, found, err := paramstore.Lookup(ctx, g, prefix+"/config/"+name)
		if err != nil {
			return "", false, fmt.Errorf("config: load %s: %w", name, err)
		}
		return strings.TrimSpace(v), found && strings.TrimSpace(v) != "", nil
	}

	if v, ok, err := lookup("daily_limit"); err != nil {
		return Settings{}, err
	} else if ok {
		if s.DailyLimit, err = positiveInt("daily_limit", v); err != nil {
			return Settings{}, err
		}
	}
	if v, ok, err := lookup("retention_days"); err != nil {
		return Settings{}, err
	} else if ok {
		if s.RetentionDays, err = positiveInt("retention_days", v); err != nil {
			return Settings{}, err
		}
	}
	if v, ok, err := lookup("timezone"); err != nil {
		return Settings{}, err
	} else if ok {
		if s.Location, err = time.LoadLocation(v); err != nil {
			return Settings{}, fmt.Errorf("config: timezone %q: %w", v, err)
		}
	}
	if v, ok, err := lookup("audio_base_url"); err != nil {
		return Settings{}, err
	} else if ok {
		s.AudioBaseURL = strings.TrimRight(v, "/")
	}
	return s, nil
}

func positiveInt(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("config: %s must be at least 1, got %d", name, n)
	}
	return n, nil
}
