// Package config reads settings from the environment (optionally seeded from
// a .env file) and the list of calendar sources from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"freebusy/internal/aggregator"
	"freebusy/internal/apperr"
	"freebusy/internal/models"
)

const DefaultSourcesFile = "sources.yaml"

// Config is the resolved application configuration.
type Config struct {
	LogLevel string

	// Policy holds the default availability policy.
	Policy models.Policy

	SourceTimeout    time.Duration
	AggregateTimeout time.Duration
	MaxParallel      int

	// SourcesFile is the path of the YAML source list.
	SourcesFile string
	// TokenDir is where OAuth token files are kept.
	TokenDir string

	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string
}

// SourceConfig describes one calendar source in the YAML source list.
//
//	sources:
//	  - id: work
//	    provider: google
//	    account: work
//	    calendars: [primary, team@group.calendar.google.com]
//	  - id: icloud
//	    provider: caldav
//	    username: me@icloud.com
//	    password_env: ICLOUD_APP_SPECIFIC_PASSWORD
type SourceConfig struct {
	ID       string          `yaml:"id"`
	Provider models.Provider `yaml:"provider"`
	// Account names the token file for google and microsoft sources.
	Account string `yaml:"account,omitempty"`
	// URL is the CalDAV endpoint or the ICS feed address.
	URL      string `yaml:"url,omitempty"`
	Username string `yaml:"username,omitempty"`
	// PasswordEnv names the environment variable holding the CalDAV password.
	PasswordEnv string `yaml:"password_env,omitempty"`
	// Path is the Thunderbird database; empty means auto-discovery.
	Path string `yaml:"path,omitempty"`
	// Calendars are native calendar IDs; empty selects the provider default.
	Calendars []string `yaml:"calendars,omitempty"`
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// Load builds a Config from getenv (usually os.Getenv).
func Load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		LogLevel:              strings.ToLower(getenv("LOG_LEVEL")),
		Policy:                models.DefaultPolicy(),
		SourcesFile:           getenv("FREEBUSY_SOURCES"),
		TokenDir:              getenv("TOKEN_DIR"),
		GoogleClientID:        getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    getenv("GOOGLE_CLIENT_SECRET"),
		MicrosoftClientID:     getenv("MICROSOFT_CLIENT_ID"),
		MicrosoftClientSecret: getenv("MICROSOFT_CLIENT_SECRET"),
		MicrosoftTenant:       getenv("MICROSOFT_TENANT"),
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SourcesFile == "" {
		cfg.SourcesFile = DefaultSourcesFile
	}

	var errs []error
	if tz := getenv("PRIMARY_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid timezone '%s': %w", tz, err))
		} else {
			cfg.Policy.Location = loc
		}
	}

	intVar := func(name string, dst *int) {
		v := getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
	durationVar := func(name string, dst *time.Duration) {
		v := getenv(name)
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}

	intVar("WORK_START_HOUR", &cfg.Policy.WorkStartHour)
	intVar("WORK_END_HOUR", &cfg.Policy.WorkEndHour)
	intVar("SLOT_GRANULARITY_MINUTES", &cfg.Policy.GranularityMinutes)
	intVar("MAX_PARALLEL_SOURCES", &cfg.MaxParallel)
	durationVar("SOURCE_TIMEOUT", &cfg.SourceTimeout)
	durationVar("AGGREGATE_TIMEOUT", &cfg.AggregateTimeout)

	if v := getenv("EXCLUDE_WEEKENDS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EXCLUDE_WEEKENDS: %w", err))
		} else {
			cfg.Policy.ExcludeWeekends = b
		}
	}

	p := cfg.Policy
	if p.WorkStartHour < 0 || p.WorkEndHour > 24 || p.WorkStartHour >= p.WorkEndHour {
		errs = append(errs, fmt.Errorf("working hours %d-%d are not a valid range", p.WorkStartHour, p.WorkEndHour))
	}
	if p.GranularityMinutes <= 0 {
		errs = append(errs, fmt.Errorf("SLOT_GRANULARITY_MINUTES must be positive"))
	}
	if cfg.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL_SOURCES must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, apperr.New(apperr.InvalidConfig, "invalid environment", err)
	}
	return cfg, nil
}

// AggregatorOptions maps the timeouts onto aggregator options.
func (c *Config) AggregatorOptions() aggregator.Options {
	return aggregator.Options{
		SourceTimeout: c.SourceTimeout,
		Deadline:      c.AggregateTimeout,
		MaxParallel:   c.MaxParallel,
	}
}

// parseDuration accepts Go durations ("15s") and bare seconds ("15").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}

// LoadSources reads and validates the source list. A missing file yields no
// sources and no error.
func LoadSources(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, apperr.New(apperr.InvalidConfig, "cannot parse "+path, err)
	}
	if err := validateSources(file.Sources); err != nil {
		return nil, err
	}
	return file.Sources, nil
}

func validateSources(sources []SourceConfig) error {
	var errs []error
	seen := make(map[string]bool, len(sources))
	for i, s := range sources {
		name := s.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
			errs = append(errs, fmt.Errorf("source %s: id is required", name))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("source %s: duplicate id", name))
		}
		seen[s.ID] = true

		switch s.Provider {
		case models.ProviderGoogle, models.ProviderMicrosoft:
			if s.Account == "" {
				errs = append(errs, fmt.Errorf("source %s: account is required for %s", name, s.Provider))
			}
		case models.ProviderCalDAV:
			if s.Username == "" || s.PasswordEnv == "" {
				errs = append(errs, fmt.Errorf("source %s: username and password_env are required for caldav", name))
			}
		case models.ProviderICS:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("source %s: url is required for ics", name))
			}
		case models.ProviderThunderbird:
		default:
			errs = append(errs, fmt.Errorf("source %s: unknown provider %q", name, s.Provider))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return apperr.New(apperr.InvalidConfig, "invalid sources", err)
	}
	return nil
}

// QualifiedCalendars returns the configured calendar IDs in qualified form.
func (s SourceConfig) QualifiedCalendars() []string {
	if len(s.Calendars) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.Calendars))
	for _, c := range s.Calendars {
		if strings.HasPrefix(c, string(s.Provider)+":") {
			ids = append(ids, c)
			continue
		}
		ids = append(ids, models.QualifiedID(s.Provider, c))
	}
	return ids
}
