package config

import (
	"flag"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config: настройки процесса. Значения берутся из окружения,
// при наличии CONFIG_PATH дополнительно читается YAML-файл.
type Config struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL" env-required:"true"`
	HTTPAddr    string `yaml:"http_addr" env:"HTTP_ADDR" env-default:":8080"`
	JWTSecret   string `yaml:"jwt_secret" env:"API_JWT_SECRET" env-required:"true"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Pretty bool   `yaml:"pretty" env:"LOG_PRETTY" env-default:"false"`
	} `yaml:"log"`

	Session struct {
		Backend string `yaml:"backend" env:"SESSION_BACKEND" env-default:"db"` // db | file
		Dir     string `yaml:"dir" env:"SESSION_DIR" env-default:"sessions"`
	} `yaml:"session"`

	Scheduler struct {
		Interval   time.Duration `yaml:"interval" env:"CHECK_TASKS_INTERVAL" env-default:"60s"`
		MinSleep   time.Duration `yaml:"min_sleep" env:"SCHEDULER_MIN_SLEEP" env-default:"5s"`
		StartDelay time.Duration `yaml:"start_delay" env:"SCHEDULER_START_DELAY" env-default:"15s"`
	} `yaml:"scheduler"`

	Runtime struct {
		ClientTimeout time.Duration `yaml:"client_timeout" env:"CLIENT_TIMEOUT" env-default:"30s"`
		ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE" env-default:"10s"`
		QueueSize     int           `yaml:"queue_size" env:"RUNTIME_QUEUE_SIZE" env-default:"16"`
	} `yaml:"runtime"`

	Auth struct {
		FlowTTL   time.Duration `yaml:"flow_ttl" env:"AUTH_FLOW_TTL" env-default:"10m"`
		CheckCron string        `yaml:"check_cron" env:"AUTH_CHECK_CRON" env-default:"0 2,11 * * *"`
	} `yaml:"auth"`

	Telegram struct {
		RatePerSec    float64       `yaml:"rate_per_sec" env:"TG_RATE_PER_SEC" env-default:"3"`
		MaxFloodWait  time.Duration `yaml:"max_flood_wait" env:"TG_MAX_FLOOD_WAIT" env-default:"15m"`
		JoinFloodWait time.Duration `yaml:"join_flood_wait" env:"JOIN_MAX_FLOOD_WAIT" env-default:"90s"`
		Debug         bool          `yaml:"debug" env:"TG_DEBUG" env-default:"false"`
		DeviceModel   string        `yaml:"device_model" env:"TG_DEVICE_MODEL" env-default:"fwdfleet"`
		Proxy         Proxy         `yaml:"proxy"`
	} `yaml:"telegram"`
}

// Proxy: SOCKS5 для всех соединений с Telegram. Пустой адрес отключает прокси.
type Proxy struct {
	Addr     string `yaml:"addr" env:"TG_PROXY_ADDR"`
	User     string `yaml:"user" env:"TG_PROXY_USER"`
	Password string `yaml:"password" env:"TG_PROXY_PASSWORD"`
}

// Load читает .env (если есть), затем YAML из -config/CONFIG_PATH и окружение.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path := fetchConfigPath(); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.Wrap(err, "read env")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Session.Backend {
	case "db", "file":
	default:
		return errors.Errorf("SESSION_BACKEND must be db or file, got %q", c.Session.Backend)
	}
	if c.Scheduler.Interval <= 0 {
		return errors.New("CHECK_TASKS_INTERVAL must be positive")
	}
	if c.Runtime.QueueSize <= 0 {
		c.Runtime.QueueSize = 1
	}
	return nil
}

// fetchConfigPath: флаг -config важнее переменной CONFIG_PATH.
func fetchConfigPath() string {
	if flag.Lookup("config") == nil {
		flag.String("config", "", "path to config file")
	}
	if !flag.Parsed() {
		flag.Parse()
	}
	if res := flag.Lookup("config").Value.String(); res != "" {
		return res
	}
	return os.Getenv("CONFIG_PATH")
}
