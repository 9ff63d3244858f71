package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
)

// Config is the process-level tuning, parsed from the environment.
type Config struct {
	Port int `env:"PORT" envDefault:"8080"`

	TokenLedgerURL string `env:"TOKEN_LEDGER_URL" envDefault:"http://localhost:9090"`
	CustodyAccount string `env:"CUSTODY_ACCOUNT" envDefault:"house"`
	StatsURL       string `env:"STATS_AGGREGATOR_URL"`

	BettingWindow time.Duration `env:"BETTING_WINDOW" envDefault:"5s"`
	Countdown     time.Duration `env:"COUNTDOWN" envDefault:"3s"`
	TickInterval  time.Duration `env:"TICK_INTERVAL" envDefault:"100ms"`
	RoundPause    time.Duration `env:"ROUND_PAUSE" envDefault:"3s"`
	RecentRounds  int           `env:"RECENT_ROUNDS" envDefault:"50"`

	// AutoStart launches the game loop at boot; otherwise the admin
	// surface starts it.
	AutoStart bool `env:"AUTO_START" envDefault:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
