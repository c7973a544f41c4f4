package bot

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultStorePath        = "db.json"
	DefaultReminderInterval = 60 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 1 * time.Second

	// EnvTgToken is consulted when a bot section doesn't carry its own token.
	EnvTgToken = "TG_TOKEN"
)

// Config keeps bot configuration
type Config struct {
	TgToken          string        `mapstructure:"tgtoken"`
	StorePath        string        `mapstructure:"storepath"`
	DBConnStr        string        `mapstructure:"dbconnstr"` // PostgreSQL is used instead of StorePath when set
	ReminderInterval time.Duration `mapstructure:"reminderinterval"`
	RetryAttempts    int           `mapstructure:"retryattempts"`
	RetryDelay       time.Duration `mapstructure:"retrydelay"`
}

func (c *Config) setDefaults() {
	if c.TgToken == "" {
		c.TgToken = os.Getenv(EnvTgToken)
	}
	if c.StorePath == "" && c.DBConnStr == "" {
		c.StorePath = DefaultStorePath
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = DefaultReminderInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Validate makes sure that all required fields are present in the config
func (c *Config) Validate(name string) error {
	missingFields := []string{}
	if c.TgToken == "" {
		missingFields = append(missingFields, "TgToken")
	}
	if c.StorePath == "" && c.DBConnStr == "" {
		missingFields = append(missingFields, "StorePath or DBConnStr")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("%v's configuration is missing field(s): %s", name, strings.Join(missingFields, ", "))
	}

	return nil
}

// LoadConfigs reads the botfarm configuration file (YAML or JSON, chosen by
// extension) and returns the configuration of every named bot section. Bots
// without a section get the defaults.
func LoadConfigs(cfgFile string, names ...string) (map[string]*Config, error) {
	v := viper.New()
	v.SetConfigFile(cfgFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "couldn't read configuration from file %q", cfgFile)
	}

	configs := make(map[string]*Config, len(names))
	for _, name := range names {
		cfg := &Config{}
		if err := v.UnmarshalKey(name, cfg); err != nil {
			return nil, errors.Wrapf(err, "couldn't unmarshal %v's configuration", name)
		}

		cfg.setDefaults()
		configs[name] = cfg
	}

	return configs, nil
}
