// Package config loads the services daemon configuration from YAML, TOML or
// JSON, read from a file or a URL, with environment variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Identity is a service client introduced to the network.
type Identity struct {
	Nick string `yaml:"nick" toml:"nick" json:"nick" validate:"required"`
	User string `yaml:"user" toml:"user" json:"user"`
	Host string `yaml:"host" toml:"host" json:"host"`
	Real string `yaml:"real" toml:"real" json:"real"`
}

// Config represents the daemon configuration
type Config struct {
	// ChanServ is the identity that sends mode lock corrections
	ChanServ Identity `yaml:"chanserv" toml:"chanserv" json:"chanserv"`
	// Identities lists further service clients, used for reops
	Identities []Identity `yaml:"identities" toml:"identities" json:"identities" validate:"dive"`

	Uplink struct {
		Server   string   `yaml:"server" toml:"server" json:"server" env:"SERVICES_UPLINK_SERVER" validate:"required"`
		Port     int      `yaml:"port" toml:"port" json:"port" env:"SERVICES_UPLINK_PORT" validate:"gt=0,lte=65535"`
		TLS      bool     `yaml:"tls" toml:"tls" json:"tls" env:"SERVICES_UPLINK_TLS"`
		Password string   `yaml:"password" toml:"password" json:"password" env:"SERVICES_UPLINK_PASSWORD"`
		SASLUser string   `yaml:"sasl_user" toml:"sasl_user" json:"sasl_user" env:"SERVICES_UPLINK_SASL_USER"`
		SASLPass string   `yaml:"sasl_pass" toml:"sasl_pass" json:"sasl_pass" env:"SERVICES_UPLINK_SASL_PASS"`
		Channels []string `yaml:"channels" toml:"channels" json:"channels" env:"SERVICES_UPLINK_CHANNELS"`
	} `yaml:"uplink" toml:"uplink" json:"uplink"`

	Dialect struct {
		// Name selects a built-in dialect; "isupport" derives it from the uplink
		Name     string `yaml:"name" toml:"name" json:"name" env:"SERVICES_DIALECT" validate:"omitempty,oneof=rfc1459 ratbox ts6 charybdis solanum ircd-seven inspircd unreal unrealircd isupport"`
		MaxModes int    `yaml:"max_modes" toml:"max_modes" json:"max_modes" env:"SERVICES_DIALECT_MAX_MODES" validate:"gte=0"`
	} `yaml:"dialect" toml:"dialect" json:"dialect"`

	Ledger struct {
		MaxEntries int `yaml:"max_entries" toml:"max_entries" json:"max_entries" env:"SERVICES_LEDGER_MAX_ENTRIES" validate:"gte=0"`
	} `yaml:"ledger" toml:"ledger" json:"ledger"`

	Database struct {
		Driver string `yaml:"driver" toml:"driver" json:"driver" env:"SERVICES_DB_DRIVER" validate:"oneof=sqlite postgres mysql"`
		DSN    string `yaml:"dsn" toml:"dsn" json:"dsn" env:"SERVICES_DB_DSN" validate:"required"`
	} `yaml:"database" toml:"database" json:"database"`

	Admin struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"SERVICES_ADMIN_ENABLED"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"SERVICES_ADMIN_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"SERVICES_ADMIN_PORT" validate:"gte=0,lte=65535"`
		// TokenHashes are bcrypt hashes of the accepted bearer tokens
		TokenHashes []string `yaml:"token_hashes" toml:"token_hashes" json:"token_hashes" env:"SERVICES_ADMIN_TOKEN_HASHES"`
	} `yaml:"admin" toml:"admin" json:"admin"`

	Log struct {
		Level  string `yaml:"level" toml:"level" json:"level" env:"SERVICES_LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
		Format string `yaml:"format" toml:"format" json:"format" env:"SERVICES_LOG_FORMAT" validate:"omitempty,oneof=text json"`
	} `yaml:"log" toml:"log" json:"log"`

	// Configuration source for reloading
	Source string `yaml:"-" toml:"-" json:"-"`
}

func (c *Config) setDefaults() {
	c.ChanServ = Identity{Nick: "ChanServ", User: "ChanServ", Host: "services.int", Real: "Channel Services"}
	c.Uplink.Server = "localhost"
	c.Uplink.Port = 6667
	c.Dialect.Name = "rfc1459"
	c.Ledger.MaxEntries = 1000
	c.Database.Driver = "sqlite"
	c.Database.DSN = "services.db"
	c.Admin.Host = "127.0.0.1"
	c.Admin.Port = 8080
	c.Log.Level = "info"
	c.Log.Format = "text"
}

// Load loads configuration from a file or URL. An empty source yields the
// defaults with environment overrides applied.
func Load(source string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if source != "" {
		if err := cfg.loadFromSource(source); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload reloads the configuration from the original source or a new source.
// The current configuration is left untouched when loading fails.
func (c *Config) Reload(newSource string) error {
	source := c.Source
	if newSource != "" {
		source = newSource
	}

	newCfg := &Config{}
	newCfg.setDefaults()
	if source != "" {
		if err := newCfg.loadFromSource(source); err != nil {
			return err
		}
	}
	applyEnvOverrides(newCfg)
	if err := newCfg.Validate(); err != nil {
		return err
	}

	*c = *newCfg
	return nil
}

var validate = validator.New()

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	seen := map[string]bool{strings.ToLower(c.ChanServ.Nick): true}
	for _, id := range c.Identities {
		nick := strings.ToLower(id.Nick)
		if seen[nick] {
			return fmt.Errorf("%w: identity %s is listed twice", ErrInvalid, id.Nick)
		}
		seen[nick] = true
	}
	return nil
}

// loadFromSource loads configuration from a file or URL
func (c *Config) loadFromSource(source string) error {
	var data []byte
	var err error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.Get(source)
		if err != nil {
			return fmt.Errorf("failed to load config from URL: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to load config from URL, status: %s", resp.Status)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read config from URL: %w", err)
		}
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// the extension picks the format; anything else is read as YAML
	path := source
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(path, ".json"):
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	c.Source = source
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

func applyEnvOverridesRecursive(v reflect.Value) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldValue := v.Field(i)
		if field.PkgPath != "" {
			continue
		}

		if envTag := field.Tag.Get("env"); envTag != "" {
			if envValue, exists := os.LookupEnv(envTag); exists {
				setFieldFromEnv(fieldValue, envValue)
			}
		} else if field.Type.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(fieldValue)
		}
	}
}

// setFieldFromEnv sets a field's value from an environment variable. Values
// that do not parse leave the field unchanged.
func setFieldFromEnv(field reflect.Value, envValue string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v, err := strconv.ParseInt(strings.TrimSpace(envValue), 10, 64); err == nil {
			field.SetInt(v)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v, err := strconv.ParseUint(strings.TrimSpace(envValue), 10, 64); err == nil {
			field.SetUint(v)
		}
	case reflect.Bool:
		field.SetBool(parseBool(envValue))
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(envValue, ",")
			slice := reflect.MakeSlice(field.Type(), len(values), len(values))
			for i, v := range values {
				slice.Index(i).SetString(strings.TrimSpace(v))
			}
			field.Set(slice)
		}
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	}
	return false
}

// UplinkAddress returns the host:port of the uplink server.
func (c *Config) UplinkAddress() string {
	return net.JoinHostPort(c.Uplink.Server, strconv.Itoa(c.Uplink.Port))
}

// AdminListenAddress returns the bind address of the admin API.
func (c *Config) AdminListenAddress() string {
	return net.JoinHostPort(c.Admin.Host, strconv.Itoa(c.Admin.Port))
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
