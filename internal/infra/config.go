package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix — префикс переменных окружения: WAYGATE_SERVER_PORT перекроет server.port
const EnvPrefix = "WAYGATE"

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Security    SecurityConfig    `mapstructure:"security"`
	Egress      EgressConfig      `mapstructure:"egress"`
	Plugins     PluginsConfig     `mapstructure:"plugins"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCConfig — gRPC-транспорт. Port 0 — выключен.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// DatabaseConfig — sink аудита. Driver: "" (только память), "postgres" или "sqlite".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"` // DSN postgres или путь к файлу sqlite
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (control plane). Пустой Addr — выключен.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — доступ клиентов к API шлюза.
type AuthConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	SecretKey  string        `mapstructure:"secret_key"`   // WAYGATE_SECRET_KEY, подпись HS256
	APIKeyHash string        `mapstructure:"api_key_hash"` // bcrypt-хэш статического ключа X-API-Key
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// SecurityConfig — Security Validator
type SecurityConfig struct {
	AllowedRoots   []string `mapstructure:"allowed_roots"`
	MaxFileSize    int64    `mapstructure:"max_file_size"`
	DeniedCommands []string `mapstructure:"denied_commands"` // дополнительно к встроенному списку
	CommandPolicy  string   `mapstructure:"command_policy"`  // путь к .rego, пусто — встроенная политика
	MaxOutput      int      `mapstructure:"max_output"`
}

// EgressConfig — Egress Policy Engine
type EgressConfig struct {
	RulesFile        string        `mapstructure:"rules_file"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	MaxRequestBytes  int           `mapstructure:"max_request_bytes"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

type PluginsConfig struct {
	Dir string `mapstructure:"dir"` // пусто — только встроенные инструменты
}

// CredentialsConfig — источники Credential Store сверх переменных окружения
type CredentialsConfig struct {
	File         string `mapstructure:"file"`          // YAML или age-зашифрованный YAML
	IdentityFile string `mapstructure:"identity_file"` // age identity
	EnvHosts     string `mapstructure:"env_hosts"`     // шаблон хостов для кредов из ENV
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig объединяет значения из файла и ENV. path пустой — ищем config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. Переменные окружения
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Ключ подписи называется так, как его ждут операторы
	if err := v.BindEnv("auth.secret_key", "WAYGATE_SECRET_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate — ошибки, при которых запускаться нельзя
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for driver %s", c.Database.Driver)
	}
	if c.Auth.Enabled && c.Auth.SecretKey == "" && c.Auth.APIKeyHash == "" {
		return errors.New("auth is enabled but neither WAYGATE_SECRET_KEY nor auth.api_key_hash is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 310*time.Second) // дольше максимального таймаута команды
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("grpc.host", "127.0.0.1")
	v.SetDefault("grpc.port", 0)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("security.allowed_roots", []string{"."})
	v.SetDefault("security.max_file_size", 10<<20)
	v.SetDefault("security.max_output", 1<<20)
	v.SetDefault("egress.default_timeout", 30*time.Second)
	v.SetDefault("egress.max_request_bytes", 10<<20)
	v.SetDefault("egress.max_response_bytes", 10<<20)
	v.SetDefault("egress.breaker_failures", 5)
	v.SetDefault("egress.breaker_timeout", 30*time.Second)
	v.SetDefault("credentials.env_hosts", "{api,upload}.{twitter,x}.com")
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
