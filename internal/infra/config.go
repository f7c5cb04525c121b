package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xela07ax/connpulse/internal/engine"
)

// Config - корневая структура конфигурации демона синхронизации.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Viewport ViewportConfig `mapstructure:"viewport"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает локальный HTTP API для слоя отрисовки.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GRPCConfig - порт grpc health. 0 - не поднимать.
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// BackendConfig описывает realtime-бэкенд телеметрии.
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	Mock           bool          `mapstructure:"mock"` // Генератор вместо живого бэкенда
}

// SyncConfig - параметры движка синхронизации.
type SyncConfig struct {
	FallbackBatchSize  int             `mapstructure:"fallback_batch_size"`
	WarmupDelay        time.Duration   `mapstructure:"warmup_delay"`
	DebounceWindow     time.Duration   `mapstructure:"debounce_window"`
	HealthInterval     time.Duration   `mapstructure:"health_interval"`
	MaxRetries         int             `mapstructure:"max_retries"`
	BackoffSchedule    []time.Duration `mapstructure:"backoff_schedule"`
	RefreshMinInterval time.Duration   `mapstructure:"refresh_min_interval"`
	PersistDisablement bool            `mapstructure:"persist_disablement"` // Хранить флаг 404 в Redis между рестартами
	Disabled           bool            `mapstructure:"disabled"`            // Стартовать с выключенным опросом
}

// ViewportConfig - порог попадания элемента в видимую область.
type ViewportConfig struct {
	MinVisibleFraction float64       `mapstructure:"min_visible_fraction"`
	MinVisibleFor      time.Duration `mapstructure:"min_visible_for"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и зеркало телеметрии).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig - публичный RSA ключ для проверки токенов локального API.
// Пустой ключ - API открыт (локальная разработка).
type AuthConfig struct {
	PublicKeyPath string        `mapstructure:"public_key_path"`
	Issuer        string        `mapstructure:"issuer"`
	Leeway        time.Duration `mapstructure:"leeway"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// RegisterFlags добавляет флаги командной строки, перекрывающие файл и ENV.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file (yaml)")
	fs.String("backend-url", "", "realtime backend base URL")
	fs.String("listen", "", "local API listen address host:port")
	fs.Bool("mock", false, "use generated telemetry instead of the backend")
	fs.String("log-level", "", "log level: debug, info, warn, error")
}

// LoadConfig инициализирует конфигурацию: флаги > ENV (.env) > файл > дефолты.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	// .env опционален: в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: BACKEND_BASE_URL=... перекроет backend.base_url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Флаги
	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	// 5. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 6. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if listen := v.GetString("listen"); listen != "" {
		host, port, err := splitListen(listen)
		if err != nil {
			return nil, err
		}
		cfg.Server.Host, cfg.Server.Port = host, port
	}

	// 7. Ключ из ENV (PEM целиком, для Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	if f := fs.Lookup("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	}
	bindings := map[string]string{
		"backend.base_url": "backend-url",
		"backend.mock":     "mock",
		"logger.level":     "log-level",
		"listen":           "listen",
	}
	for key, name := range bindings {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	def := engine.DefaultConfig()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("grpc.port", 0)

	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.request_timeout", 20*time.Second)
	v.SetDefault("backend.health_timeout", 10*time.Second)
	v.SetDefault("backend.mock", false)

	v.SetDefault("sync.fallback_batch_size", def.FallbackBatchSize)
	v.SetDefault("sync.warmup_delay", def.WarmupDelay)
	v.SetDefault("sync.debounce_window", def.DebounceWindow)
	v.SetDefault("sync.health_interval", def.HealthInterval)
	v.SetDefault("sync.max_retries", def.MaxRetries)
	v.SetDefault("sync.backoff_schedule", def.BackoffSchedule)
	v.SetDefault("sync.refresh_min_interval", def.RefreshMinInterval)
	v.SetDefault("sync.persist_disablement", false)
	v.SetDefault("sync.disabled", false)

	v.SetDefault("viewport.min_visible_fraction", def.MinVisibleFraction)
	v.SetDefault("viewport.min_visible_for", def.MinVisibleFor)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate проверяет то, без чего демон не сможет работать.
func (c *Config) Validate() error {
	var errs []error
	if !c.Backend.Mock && c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required unless backend.mock is set"))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be >= 1, got %d", c.Sync.MaxRetries))
	}
	if len(c.Sync.BackoffSchedule) == 0 {
		errs = append(errs, errors.New("sync.backoff_schedule must not be empty"))
	}
	for i, d := range c.Sync.BackoffSchedule {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("sync.backoff_schedule[%d] must be positive, got %s", i, d))
		}
	}
	if f := c.Viewport.MinVisibleFraction; f <= 0 || f > 1 {
		errs = append(errs, fmt.Errorf("viewport.min_visible_fraction must be in (0,1], got %v", f))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive, got %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// EngineConfig переводит секции sync/viewport в конфиг движка.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		FallbackBatchSize:  c.Sync.FallbackBatchSize,
		WarmupDelay:        c.Sync.WarmupDelay,
		DebounceWindow:     c.Sync.DebounceWindow,
		HealthInterval:     c.Sync.HealthInterval,
		MaxRetries:         c.Sync.MaxRetries,
		BackoffSchedule:    append([]time.Duration(nil), c.Sync.BackoffSchedule...),
		MinVisibleFraction: c.Viewport.MinVisibleFraction,
		MinVisibleFor:      c.Viewport.MinVisibleFor,
		RefreshMinInterval: c.Sync.RefreshMinInterval,
		InitiallyDisabled:  c.Sync.Disabled,
	}
}

// ListenAddr - адрес локального API.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func splitListen(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid listen address %q", addr)
	}
	var port int
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid listen port in %q: %w", addr, err)
	}
	return addr[:i], port, nil
}

// loadKeyResource - ключ прямо из ENV или из файла по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
