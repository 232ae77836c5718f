package params

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Engine struct {
	// FeeAccount receives the protocol fee on every trade. Hex address.
	FeeAccount string
	// FeePercent is the taker fee in percentage points (10 means 10%).
	FeePercent uint64
	// DBPath is the Pebble database directory for engine state.
	DBPath string
}

type API struct {
	Listen            string
	AllowedOrigins    []string
	RequireSignatures bool
}

type Node struct {
	LogFile string
	// Deployer receives the initial supply of the devnet demo tokens.
	Deployer string
}

type Config struct {
	Engine Engine
	API    API
	Node   Node
}

func Default() Config {
	return Config{
		Engine: Engine{
			FeeAccount: "0xFee0000000000000000000000000000000000000",
			FeePercent: 10,
			DBPath:     "data/exchange.db",
		},
		API: API{
			Listen:            ":8080",
			AllowedOrigins:    []string{"http://localhost:3000", "http://localhost:3001"},
			RequireSignatures: false,
		},
		Node: Node{
			LogFile:  "data/node.log",
			Deployer: "0xDe90000000000000000000000000000000000000",
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

	if v := os.Getenv("FEE_ACCOUNT"); v != "" {
		cfg.Engine.FeeAccount = v
	}
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Engine.FeePercent = p
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Engine.DBPath = v
	}
	if v := os.Getenv("API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("REQUIRE_SIGNATURES"); v != "" {
		cfg.API.RequireSignatures = v == "true"
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("DEPLOYER"); v != "" {
		cfg.Node.Deployer = v
	}

	return cfg
}
