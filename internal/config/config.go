package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the daemon and CLI need to reach the wallet,
// the ledger node and the content store.
type Config struct {
	Port      string
	BaseURL   string
	LogLevel  string
	LogFormat string

	LedgerURL           string
	ContractAddress     string
	CallTimeout         time.Duration
	ReceiptPollInterval time.Duration
	FinalizeTimeout     time.Duration
	CatalogRefresh      time.Duration

	WalletKeystore   string
	WalletPassphrase string

	StoreBackend   string // "pinning" or "s3"
	PinningURL     string
	PinningJWT     string
	GatewayURL     string
	MaxUploadBytes int64

	S3Endpoint       string
	S3PublicEndpoint string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3Region         string

	DatabaseURL string

	WebhookURL      string
	WebhookSecret   string
	SlackWebhookURL string
}

// Load reads .env files (if any) into the process environment and then
// builds a Config from it. A missing .env is not an error.
func Load(paths ...string) Config {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	_ = godotenv.Load(paths...)

	return Config{
		Port:      GetEnv("PORT", "8080"),
		BaseURL:   GetEnv("BASE_URL", "http://localhost:8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		LedgerURL:           GetEnv("LEDGER_URL", "http://localhost:8545"),
		ContractAddress:     os.Getenv("CONTRACT_ADDRESS"),
		CallTimeout:         GetEnvDuration("CALL_TIMEOUT", 30*time.Second),
		ReceiptPollInterval: GetEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		FinalizeTimeout:     GetEnvDuration("FINALIZE_TIMEOUT", 5*time.Minute),
		CatalogRefresh:      GetEnvDuration("CATALOG_REFRESH_INTERVAL", 30*time.Second),

		WalletKeystore:   GetEnv("WALLET_KEYSTORE", "wallet.json"),
		WalletPassphrase: os.Getenv("WALLET_PASSPHRASE"),

		StoreBackend:   GetEnv("STORE_BACKEND", "pinning"),
		PinningURL:     GetEnv("PINNING_URL", "https://api.pinata.cloud/pinning/pinFileToIPFS"),
		PinningJWT:     os.Getenv("PINNING_JWT"),
		GatewayURL:     GetEnv("GATEWAY_URL", "https://gateway.pinata.cloud/ipfs"),
		MaxUploadBytes: GetEnvInt64("MAX_UPLOAD_BYTES", 2<<30),

		S3Endpoint:       GetEnv("S3_ENDPOINT", "http://localhost:3900"),
		S3PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
		S3Bucket:         GetEnv("S3_BUCKET", "vidchain"),
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
		S3Region:         GetEnv("S3_REGION", "eu-central-1"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		WebhookURL:      os.Getenv("WEBHOOK_URL"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
	}
}

func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func GetEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration strings ("15s") or a bare number of
// seconds. Zero and negative values fall back, as every duration setting here
// is an interval or a timeout.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		secs, serr := strconv.ParseInt(value, 10, 64)
		if serr != nil {
			return fallback
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return fallback
	}
	return d
}
