package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

// Config holds the settings shared by the manager and members commands.
type Config struct {
	MailChimp  MailChimpConfig  `mapstructure:"mailchimp"`
	Newsletter NewsletterConfig `mapstructure:"newsletter"`
}

type MailChimpConfig struct {
	// URL is the API root and must end with a slash. Derived from the API
	// key's data center suffix when empty.
	URL     string        `mapstructure:"url"`
	Key     string        `mapstructure:"key"`
	ListID  string        `mapstructure:"list_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NewsletterConfig struct {
	ContactGroupName      string `mapstructure:"contact_group_name"`
	ContactGroupNamespace string `mapstructure:"contact_group_namespace"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"mailchimp-url":                      "mailchimp.url",
	"mailchimp-key":                      "mailchimp.key",
	"mailchimp-list-id":                  "mailchimp.list_id",
	"mailchimp-timeout":                  "mailchimp.timeout",
	"newsletter-contact-group-name":      "newsletter.contact_group_name",
	"newsletter-contact-group-namespace": "newsletter.contact_group_namespace",
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file.")
	fs.String("mailchimp-url", "", "MailChimp API root, e.g. https://us6.api.mailchimp.com/3.0/ (must end with a slash).")
	fs.String("mailchimp-key", "", "MailChimp API key.")
	fs.String("mailchimp-list-id", "", "Default MailChimp list ID.")
	fs.Duration("mailchimp-timeout", 10*time.Second, "Timeout for MailChimp API requests.")
	fs.String("newsletter-contact-group-name", "newsletter", "ContactGroup newsletter- contacts are enrolled in.")
	fs.String("newsletter-contact-group-namespace", "milo-system", "Namespace of the newsletter ContactGroup.")
}

// Load reads configuration from, in increasing precedence: defaults, the
// config file, MAILCHIMP_* / NEWSLETTER_* environment variables and flags
// set explicitly on fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("mailchimp.timeout", "10s")
	v.SetDefault("newsletter.contact_group_name", "newsletter")
	v.SetDefault("newsletter.contact_group_namespace", "milo-system")

	var configPath string
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configPath = f.Value.String()
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/email-provider-mailchimp")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range flagKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.MailChimp.URL == "" {
		cfg.MailChimp.URL = mailchimp.DataCenterURL(cfg.MailChimp.Key)
	}

	return &cfg, nil
}

// ClientOptions translates the MailChimp section into SDK options.
func (c *Config) ClientOptions() []mailchimp.ClientOption {
	opts := []mailchimp.ClientOption{mailchimp.WithBaseURL(c.MailChimp.URL)}
	if c.MailChimp.ListID != "" {
		opts = append(opts, mailchimp.WithListID(c.MailChimp.ListID))
	}
	return opts
}
