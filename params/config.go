package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	// DataDir holds the ledger database and log file.
	DataDir string
	LogFile string
	APIAddr string

	// StorageDeposit is the per-record refundable balance, in ledger units.
	StorageDeposit uint64
}

type Crank struct {
	Enabled bool
	// MatcherKey is a hex private key identifying the built-in crank. Any
	// external party can run its own crank against the API instead.
	MatcherKey string
	Interval   time.Duration
	MaxRetries int
}

type Genesis struct {
	// FundAccounts are addresses credited FundAmount each on first boot,
	// comma-separated hex. Devnet convenience only.
	FundAccounts []string
	FundAmount   uint64
}

type Config struct {
	Node    Node
	Crank   Crank
	Genesis Genesis
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:        "data",
			LogFile:        "data/clobd.log",
			APIAddr:        ":8080",
			StorageDeposit: 2_000_000,
		},
		Crank: Crank{
			Enabled:    true,
			Interval:   500 * time.Millisecond,
			MaxRetries: 5,
		},
		Genesis: Genesis{
			FundAmount: 1_000_000_000,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("STORAGE_DEPOSIT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.StorageDeposit = n
		}
	}

	if v := os.Getenv("CRANK_ENABLED"); v != "" {
		cfg.Crank.Enabled = v == "true"
	}
	if v := os.Getenv("CRANK_KEY"); v != "" {
		cfg.Crank.MatcherKey = v
	}
	if v := os.Getenv("CRANK_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Crank.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CRANK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Crank.MaxRetries = n
		}
	}

	if v := os.Getenv("GENESIS_ACCOUNTS"); v != "" {
		cfg.Genesis.FundAccounts = strings.Split(v, ",")
	}
	if v := os.Getenv("GENESIS_FUND_AMOUNT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Genesis.FundAmount = n
		}
	}

	return cfg
}
