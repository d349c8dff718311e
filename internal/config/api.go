package config

// APIConfig holds runtime configuration for the webhook receiver process.
type APIConfig struct {
	Environment     string
	Addr            string
	DatabaseURL     string
	MigrationsDir   string
	AutoMigrate     bool
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	BuildQueueTopic string
	LogChannel      string

	// Shared webhook secrets per provider. An empty value disables
	// verification for that provider (logged as an operator opt-out).
	GitHubWebhookSecret string
	GitLabWebhookToken  string

	// SecretCipherKey decrypts per-service webhook secret overrides.
	SecretCipherKey string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://slipway:slipway@db:5432/slipway?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:         GetBool("DB_AUTO_MIGRATE", true),
		RedisAddr:           GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:       GetString("REDIS_PASSWORD", ""),
		RedisDB:             GetInt("REDIS_DB", 0),
		BuildQueueTopic:     GetString("BUILD_QUEUE_TOPIC", "slipway:builds"),
		LogChannel:          GetString("BUILD_LOG_CHANNEL", "slipway:buildlogs"),
		GitHubWebhookSecret: GetString("GITHUB_WEBHOOK_SECRET", ""),
		GitLabWebhookToken:  GetString("GITLAB_WEBHOOK_TOKEN", ""),
		SecretCipherKey:     GetString("SECRET_CIPHER_KEY", "supersecuresecret"),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
