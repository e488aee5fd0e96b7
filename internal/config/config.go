package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	BackendMongo = "mongo"
	BackendBbolt = "bbolt"
)

type Config struct {
	ListenAddr string
	InstanceID string

	// Store selection: "mongo" for shared multi-instance storage,
	// "bbolt" for embedded single-instance deployments.
	StoreBackend string
	MongoURI     string
	MongoDB      string
	DBFile       string

	ValkeyAddr string

	// PresenceTTL bounds how long a presence entry survives without a
	// session heartbeat.
	PresenceTTL time.Duration

	// VAPID keys for web push. Push is disabled when empty.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
	PushTimeout     time.Duration

	StoreTimeout time.Duration
}

func Load() (*Config, error) {
	// Optional .env for local development; a missing file is not an error.
	_ = godotenv.Load()

	pushTimeout, err := time.ParseDuration(getEnv("PUSH_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PUSH_TIMEOUT: %w", err)
	}
	storeTimeout, err := time.ParseDuration(getEnv("STORE_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid STORE_TIMEOUT: %w", err)
	}
	presenceTTL, err := time.ParseDuration(getEnv("PRESENCE_TTL", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_TTL: %w", err)
	}

	cfg := &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		InstanceID:      getEnv("INSTANCE_ID", uuid.NewString()),
		StoreBackend:    getEnv("STORE_BACKEND", BackendMongo),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:         getEnv("MONGO_DB", "dmhub"),
		DBFile:          getEnv("DMHUB_DB", "dmhub.db"),
		ValkeyAddr:      getEnv("VALKEY_ADDR", "localhost:6379"),
		PresenceTTL:     presenceTTL,
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber:  getEnv("PUSH_SUBSCRIBER", "mailto:admin@localhost"),
		PushTimeout:     pushTimeout,
		StoreTimeout:    storeTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMongo, BackendBbolt:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q", BackendMongo, BackendBbolt)
	}

	if c.InstanceID == "" {
		return fmt.Errorf("INSTANCE_ID must not be empty")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether web push credentials were configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
