package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Modes.
const (
	ModeSim  = "sim"
	ModeIBKR = "ibkr"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Mode     string `env:"MODE" envDefault:"sim"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// Interop buses. Empty addresses disable the bus.
	RedisAddr          string   `env:"REDIS_ADDR"`
	RedisPassword      string   `env:"REDIS_PASSWORD"`
	RedisChannelPrefix string   `env:"REDIS_CHANNEL_PREFIX" envDefault:"desk"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic         string   `env:"KAFKA_TOPIC" envDefault:"desk.context"`

	// Trade journal. Empty disables it.
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/trades.db"`

	// IBKR Client Portal gateway
	IBKRBaseURL  string        `env:"IBKR_BASE_URL" envDefault:"https://localhost:5000"`
	IBKRAccount  string        `env:"IBKR_ACCOUNT"`
	IBKRInsecure bool          `env:"IBKR_INSECURE" envDefault:"true"`
	IBKRCacheTTL time.Duration `env:"IBKR_CACHE_TTL" envDefault:"30s"`

	// Engine
	SettlementDays    int           `env:"SETTLEMENT_DAYS" envDefault:"2"`
	HolidaysFile      string        `env:"HOLIDAYS_FILE"`
	ProposalTTL       time.Duration `env:"PROPOSAL_TTL" envDefault:"5m"`
	OrderSnapshotCap  int           `env:"ORDER_SNAPSHOT_CAP" envDefault:"100"`
	SummaryOrderCap   int           `env:"SUMMARY_ORDER_CAP" envDefault:"20"`
	BroadcastInterval time.Duration `env:"BROADCAST_INTERVAL" envDefault:"2s"`
	FillAckDelay      time.Duration `env:"FILL_ACK_DELAY" envDefault:"300ms"`
	FillStepDelay     time.Duration `env:"FILL_STEP_DELAY" envDefault:"500ms"`

	// Risk
	RiskMaxPosition      int64 `env:"RISK_MAX_POSITION" envDefault:"0"`
	RiskMaxOpenPositions int   `env:"RISK_MAX_OPEN_POSITIONS" envDefault:"0"`

	// Alerts
	WebhookURL       string `env:"WEBHOOK_URL"`
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`
}

// Load reads .env (when present) and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file found, using environment variables")
	}
	return Parse()
}

// Parse reads the environment without touching .env.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown modes and non-positive windows.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSim, ModeIBKR:
	default:
		return fmt.Errorf("config: MODE must be %q or %q, got %q", ModeSim, ModeIBKR, c.Mode)
	}
	windows := []struct {
		key string
		d   time.Duration
	}{
		{"PROPOSAL_TTL", c.ProposalTTL},
		{"BROADCAST_INTERVAL", c.BroadcastInterval},
		{"IBKR_CACHE_TTL", c.IBKRCacheTTL},
		{"FILL_ACK_DELAY", c.FillAckDelay},
		{"FILL_STEP_DELAY", c.FillStepDelay},
	}
	for _, w := range windows {
		if w.d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", w.key, w.d)
		}
	}
	if c.SettlementDays < 0 {
		return fmt.Errorf("config: SETTLEMENT_DAYS must not be negative, got %d", c.SettlementDays)
	}
	if c.OrderSnapshotCap <= 0 || c.SummaryOrderCap <= 0 {
		return fmt.Errorf("config: ORDER_SNAPSHOT_CAP and SUMMARY_ORDER_CAP must be positive")
	}
	if c.RiskMaxPosition < 0 || c.RiskMaxOpenPositions < 0 {
		return fmt.Errorf("config: risk limits must not be negative")
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return fmt.Errorf("config: TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}

// IBKR reports whether orders route to the Client Portal gateway.
func (c *Config) IBKR() bool { return c.Mode == ModeIBKR }
