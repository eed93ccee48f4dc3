// Package config assembles service settings from defaults, an optional YAML
// file and GESTION_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GESTION_"

const minSecretLength = 32

// Config holds runtime settings for the identity service.
type Config struct {
	HTTP         HTTPConfig       `yaml:"http"`
	GRPC         GRPCConfig       `yaml:"grpc"`
	Database     DatabaseConfig   `yaml:"database"`
	Tokens       TokensConfig     `yaml:"tokens"`
	Directory    DirectoryConfig  `yaml:"directory"`
	Activation   ActivationConfig `yaml:"activation"`
	Login        LoginConfig      `yaml:"login"`
	Redis        RedisConfig      `yaml:"redis"`
	Janitor      JanitorConfig    `yaml:"janitor"`
	Mail         MailConfig       `yaml:"mail"`
	Log          LogConfig        `yaml:"log"`
	AdminRole    string           `yaml:"admin_role"`
	PasswordCost int              `yaml:"password_cost"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TokensConfig struct {
	Secret             string        `yaml:"secret"`
	Issuer             string        `yaml:"issuer"`
	Audience           string        `yaml:"audience"`
	AccessTTL          time.Duration `yaml:"access_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
	RevokeChainOnReuse bool          `yaml:"revoke_chain_on_reuse"`
}

// DirectoryConfig describes the LDAP directory. SearchFilter must contain the
// {username} placeholder.
type DirectoryConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Server               string        `yaml:"server"`
	Port                 int           `yaml:"port"`
	UseSSL               bool          `yaml:"use_ssl"`
	BindDN               string        `yaml:"bind_dn"`
	BindPassword         string        `yaml:"bind_password"`
	SearchBase           string        `yaml:"search_base"`
	SearchFilter         string        `yaml:"search_filter"`
	EmailAttribute       string        `yaml:"email_attribute"`
	DisplayNameAttribute string        `yaml:"display_name_attribute"`
	UsernameSuffix       string        `yaml:"username_suffix"`
	DefaultRole          string        `yaml:"default_role"`
	Timeout              time.Duration `yaml:"timeout"`
	ExistsTTL            time.Duration `yaml:"exists_ttl"`
	AttributesTTL        time.Duration `yaml:"attributes_ttl"`
	CacheSize            int           `yaml:"cache_size"`
}

type ActivationConfig struct {
	TokenTTL        time.Duration `yaml:"token_ttl"`
	MaxCodeAttempts int           `yaml:"max_code_attempts"`
	AttemptWindow   time.Duration `yaml:"attempt_window"`
	// DefaultRole is given to self-registered accounts.
	DefaultRole string `yaml:"default_role"`
}

type LoginConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

// RedisConfig enables the shared attempt limiter. An empty Addr keeps limits in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JanitorConfig struct {
	Schedule  string        `yaml:"schedule"`
	Retention time.Duration `yaml:"retention"`
}

type MailConfig struct {
	AppURL string `yaml:"app_url"`
	From   string `yaml:"from"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns development defaults. The token secret is left empty on purpose
// and must be supplied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Tokens: TokensConfig{
			Issuer:             "gestion",
			AccessTTL:          15 * time.Minute,
			RefreshTTL:         7 * 24 * time.Hour,
			RevokeChainOnReuse: true,
		},
		Directory: DirectoryConfig{
			Port:                 389,
			SearchFilter:         "(sAMAccountName={username})",
			EmailAttribute:       "mail",
			DisplayNameAttribute: "displayName",
			Timeout:              10 * time.Second,
			ExistsTTL:            30 * time.Minute,
			AttributesTTL:        2 * time.Hour,
			CacheSize:            4096,
		},
		Activation: ActivationConfig{
			TokenTTL:        7 * 24 * time.Hour,
			MaxCodeAttempts: 5,
			AttemptWindow:   15 * time.Minute,
			DefaultRole:     "User",
		},
		Login: LoginConfig{
			MaxAttempts: 10,
			Window:      15 * time.Minute,
		},
		Janitor: JanitorConfig{
			Schedule:  "@every 1h",
			Retention: 30 * 24 * time.Hour,
		},
		Mail: MailConfig{
			AppURL: "http://localhost:3000",
			From:   "no-reply@gestion.local",
		},
		Log:       LogConfig{Level: "info"},
		AdminRole: "Admin",
	}
}

// Load applies defaults, then the YAML file at path (if non-empty), then env overrides.
func Load(path string, env func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if env == nil {
		env = os.Getenv
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	secret := strings.TrimSpace(c.Tokens.Secret)
	switch {
	case secret == "":
		errs = append(errs, errors.New("tokens.secret is required"))
	case len(secret) < minSecretLength:
		errs = append(errs, fmt.Errorf("tokens.secret must be at least %d bytes", minSecretLength))
	}
	durations := map[string]time.Duration{
		"tokens.access_ttl":         c.Tokens.AccessTTL,
		"tokens.refresh_ttl":        c.Tokens.RefreshTTL,
		"activation.token_ttl":      c.Activation.TokenTTL,
		"activation.attempt_window": c.Activation.AttemptWindow,
		"login.window":              c.Login.Window,
		"janitor.retention":         c.Janitor.Retention,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Tokens.RefreshTTL > 0 && c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		errs = append(errs, errors.New("tokens.refresh_ttl must exceed tokens.access_ttl"))
	}
	if c.Activation.MaxCodeAttempts <= 0 {
		errs = append(errs, errors.New("activation.max_code_attempts must be positive"))
	}
	if c.Login.MaxAttempts <= 0 {
		errs = append(errs, errors.New("login.max_attempts must be positive"))
	}
	if c.Directory.Enabled {
		if strings.TrimSpace(c.Directory.Server) == "" {
			errs = append(errs, errors.New("directory.server is required when the directory is enabled"))
		}
		if !strings.Contains(c.Directory.SearchFilter, "{username}") {
			errs = append(errs, errors.New("directory.search_filter must contain {username}"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv(env func(string) string) error {
	strs := map[string]*string{
		"HTTP_ADDR":            &c.HTTP.Addr,
		"GRPC_ADDR":            &c.GRPC.Addr,
		"PG_DSN":               &c.Database.DSN,
		"TOKEN_SECRET":         &c.Tokens.Secret,
		"TOKEN_ISSUER":         &c.Tokens.Issuer,
		"TOKEN_AUDIENCE":       &c.Tokens.Audience,
		"LDAP_SERVER":          &c.Directory.Server,
		"LDAP_BIND_DN":         &c.Directory.BindDN,
		"LDAP_BIND_PASSWORD":   &c.Directory.BindPassword,
		"LDAP_SEARCH_BASE":     &c.Directory.SearchBase,
		"LDAP_SEARCH_FILTER":   &c.Directory.SearchFilter,
		"LDAP_USERNAME_SUFFIX": &c.Directory.UsernameSuffix,
		"LDAP_DEFAULT_ROLE":    &c.Directory.DefaultRole,
		"REDIS_ADDR":           &c.Redis.Addr,
		"REDIS_PASSWORD":       &c.Redis.Password,
		"JANITOR_SCHEDULE":     &c.Janitor.Schedule,
		"APP_URL":              &c.Mail.AppURL,
		"LOG_LEVEL":            &c.Log.Level,
		"ADMIN_ROLE":           &c.AdminRole,
		"REGISTER_ROLE":        &c.Activation.DefaultRole,
	}
	for key, dst := range strs {
		if v := env(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	durs := map[string]*time.Duration{
		"ACCESS_TTL":     &c.Tokens.AccessTTL,
		"REFRESH_TTL":    &c.Tokens.RefreshTTL,
		"ACTIVATION_TTL": &c.Activation.TokenTTL,
		"LDAP_TIMEOUT":   &c.Directory.Timeout,
		"JANITOR_RETAIN": &c.Janitor.Retention,
		"LOGIN_WINDOW":   &c.Login.Window,
	}
	for key, dst := range durs {
		v := env(EnvPrefix + key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"LDAP_PORT":      &c.Directory.Port,
		"REDIS_DB":       &c.Redis.DB,
		"LOGIN_MAX":      &c.Login.MaxAttempts,
		"ACTIVATION_MAX": &c.Activation.MaxCodeAttempts,
		"PASSWORD_COST":  &c.PasswordCost,
	}
	for key, dst := range ints {
		v := env(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"LDAP_ENABLED":          &c.Directory.Enabled,
		"LDAP_USE_SSL":          &c.Directory.UseSSL,
		"REVOKE_CHAIN_ON_REUSE": &c.Tokens.RevokeChainOnReuse,
	}
	for key, dst := range bools {
		v := env(EnvPrefix + key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	if v := env(EnvPrefix + "CORS_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.HTTP.AllowedOrigins = append(c.HTTP.AllowedOrigins, o)
			}
		}
	}
	return nil
}
