// Package config loads service settings from an optional YAML file and OPLEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/quota"
)

const envPrefix = "OPLEDGER"

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Log      LogConfig
	Ledger   LedgerConfig
	Schedule ScheduleConfig
	Quota    QuotaConfig
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	Path string
}

type LogConfig struct {
	Level string
}

type LedgerConfig struct {
	DefaultCurrency     string
	EnforceFeatureQuota bool
}

type ScheduleConfig struct {
	// AbsorbRemainder puts the rounding remainder on the last installment.
	AbsorbRemainder bool
}

type QuotaConfig struct {
	ModuleMapping map[models.OperationType]string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.path", "opledger.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("ledger.default_currency", "BRL")
	v.SetDefault("ledger.enforce_feature_quota", false)
	v.SetDefault("schedule.absorb_remainder", true)
}

// Load reads configuration. An empty path looks for config.yaml in the working
// directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Server:   ServerConfig{Port: v.GetString("server.port")},
		Database: DatabaseConfig{Path: v.GetString("database.path")},
		Log:      LogConfig{Level: v.GetString("log.level")},
		Ledger: LedgerConfig{
			DefaultCurrency:     strings.ToUpper(v.GetString("ledger.default_currency")),
			EnforceFeatureQuota: v.GetBool("ledger.enforce_feature_quota"),
		},
		Schedule: ScheduleConfig{AbsorbRemainder: v.GetBool("schedule.absorb_remainder")},
		Quota:    QuotaConfig{ModuleMapping: quota.DefaultModuleMapping()},
	}
	// Entries from the file override single types. viper lowercases map keys.
	for opType, module := range v.GetStringMapString("quota.module_mapping") {
		cfg.Quota.ModuleMapping[models.OperationType(strings.ToUpper(opType))] = module
	}

	if len(cfg.Ledger.DefaultCurrency) != 3 {
		return nil, fmt.Errorf("invalid ledger.default_currency %q: expected a 3-letter code", cfg.Ledger.DefaultCurrency)
	}
	return cfg, nil
}
