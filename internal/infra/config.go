package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации control plane.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Emergency   EmergencyConfig   `mapstructure:"emergency"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig описывает настройки консольного HTTP API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал нарушений и архив событий).
// Пустой URL — допустимый режим: нарушения пишутся в append-only файл.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Lock Store, Pub/Sub событий).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и учетку оператора консоли.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	// Оператор задается статически: bcrypt-хэш, не пароль
	OperatorUser string `mapstructure:"operator_user"`
	OperatorHash string `mapstructure:"operator_hash"`
	PublicKey    []byte
	PrivateKey   []byte
}

// CoordinatorConfig — параметры reconciliation-цикла.
type CoordinatorConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	TasksFile    string        `mapstructure:"tasks_file"`
	Agents       []string      `mapstructure:"agents"`
	// Бэкенд Lock Store: "file" либо "redis"
	LockBackend string `mapstructure:"lock_backend"`
	LockDir     string `mapstructure:"lock_dir"`
}

// EmergencyConfig — пороги эскалации. Окно задается явно:
// второе нарушение того же агента внутри окна переводит Warning -> Quarantine.
type EmergencyConfig struct {
	ViolationWindow time.Duration `mapstructure:"violation_window"`
}

// MonitorConfig — изоляционная политика и журнал нарушений.
type MonitorConfig struct {
	ViolationLogPath string       `mapstructure:"violation_log_path"`
	Policy           PolicyConfig `mapstructure:"policy"`
}

// PolicyConfig — декларативная изоляционная политика: закрытый набор правил,
// без свободных предикатов, чтобы классификация была исчерпываемой.
type PolicyConfig struct {
	AllowNetworkEgress  bool               `mapstructure:"allow_network_egress"`
	AllowedPathPrefixes []string           `mapstructure:"allowed_path_prefixes"`
	AllowedCapabilities []string           `mapstructure:"allowed_capabilities"`
	ResourceCeilings    map[string]float64 `mapstructure:"resource_ceilings"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: COORDINATOR_TICK_INTERVAL=500ms перекроет coordinator.tick_interval
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из файла ИЛИ напрямую из ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("coordinator.tick_interval", 2*time.Second)
	v.SetDefault("coordinator.lock_ttl", 30*time.Second)
	v.SetDefault("coordinator.lock_backend", "file")
	v.SetDefault("coordinator.lock_dir", "./data/locks")
	v.SetDefault("coordinator.tasks_file", "./configs/tasks.yaml")

	v.SetDefault("emergency.violation_window", 5*time.Minute)

	v.SetDefault("monitor.violation_log_path", "./data/violations.jsonl")
	v.SetDefault("monitor.policy.allow_network_egress", false)

	v.SetDefault("auth.token_ttl", 24*time.Hour)
}

// loadKeyResource — ключ либо прилетает напрямую в ENV (PEM), либо читается по пути.
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
