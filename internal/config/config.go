package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes one read-capable calendar subscription.
type SourceConfig struct {
	// Origin tags which system the feed belongs to: "outlook" or "google".
	Origin string `yaml:"origin" json:"origin"`
	// Name is a human-friendly label shown in approval prompts and logs.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint for the calendar.
	URL string `yaml:"url" json:"url"`
}

// PortalConfig holds everything needed to drive the write-only scheduling
// portal through a browser session.
type PortalConfig struct {
	// URL is the portal's base address; the login page lives at URL + "/login".
	URL string `yaml:"url" json:"url"`

	// Username / Password are the portal credentials. When empty they are
	// filled from CALSYNC_PORTAL_USERNAME / CALSYNC_PORTAL_PASSWORD so the
	// config file does not have to carry secrets.
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`

	// Headless controls whether the browser runs without a visible window.
	Headless bool `yaml:"headless" json:"headless"`

	// StepTimeoutSeconds bounds each individual UI step (login, navigation,
	// form fill). A step that does not finish in time counts as a failure.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds" json:"step_timeout_seconds"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the daemon API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for daemon mode.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone events are normalized into (e.g.
	// "America/Chicago").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron schedules automatic sync passes in daemon mode
	// (e.g. "0 7 * * *"). Each pass still stops at the approval gate.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is how many days ahead a sync run covers.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// RedactedTitle is the label written to the portal in place of the
	// real event title. The portal never sees original titles.
	RedactedTitle string `yaml:"redacted_title" json:"redacted_title"`

	// Primary is the feed whose events need busy blocks in the portal.
	Primary SourceConfig `yaml:"primary" json:"primary"`

	// Secondary is the feed that already reflects blocked time; the
	// resolver dedupes Primary's events against it.
	Secondary SourceConfig `yaml:"secondary" json:"secondary"`

	Portal PortalConfig `yaml:"portal" json:"portal"`

	// BasicAuth, if non-nil, protects all daemon endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	envPortalUsername = "CALSYNC_PORTAL_USERNAME"
	envPortalPassword = "CALSYNC_PORTAL_PASSWORD"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		Timezone:      "America/Chicago",
		RefreshCron:   "0 7 * * *",
		HorizonDays:   7,
		RedactedTitle: "Busy",
		Primary:       SourceConfig{Origin: "google", Name: "Google Calendar"},
		Secondary:     SourceConfig{Origin: "outlook", Name: "Outlook Calendar"},
		Portal: PortalConfig{
			URL:                "https://www.therapyappointment.com",
			Headless:           true,
			StepTimeoutSeconds: 30,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Chicago"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "0 7 * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	if c.RedactedTitle == "" {
		c.RedactedTitle = "Busy"
	}
	if c.Primary.Origin == "" {
		c.Primary.Origin = "google"
	}
	if c.Secondary.Origin == "" {
		c.Secondary.Origin = "outlook"
	}
	if c.Portal.StepTimeoutSeconds <= 0 {
		c.Portal.StepTimeoutSeconds = 30
	}
	if c.Portal.Username == "" {
		c.Portal.Username = os.Getenv(envPortalUsername)
	}
	if c.Portal.Password == "" {
		c.Portal.Password = os.Getenv(envPortalPassword)
	}
}

// Validate reports configuration problems that Normalize cannot repair.
func (c *Config) Validate() error {
	for _, f := range []struct {
		key string
		src SourceConfig
	}{{"primary", c.Primary}, {"secondary", c.Secondary}} {
		if f.src.URL == "" {
			return fmt.Errorf("config: %s source has no url", f.key)
		}
		switch f.src.Origin {
		case "outlook", "google":
		default:
			return fmt.Errorf("config: %s source has unknown origin %q", f.key, f.src.Origin)
		}
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written there (0600) and
// returned, so a first run leaves a template for the user to fill in.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
