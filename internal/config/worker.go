package config

import "time"

// WorkerConfig holds runtime configuration for the build executor process.
type WorkerConfig struct {
	Environment      string
	Addr             string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	BuildQueueTopic  string
	DeployQueueTopic string
	LogChannel       string

	DockerHost   string
	Registry     string
	RegistryUser string
	RegistryPass string
	Workdir      string
	GitTimeout   time.Duration
	BuildTimeout time.Duration
	Concurrency  int
	MaxLogBytes  int

	// GitHub App credentials for authenticated clones of private
	// repositories. Empty AppID disables installation token minting.
	GitHubAppID         string
	GitHubAppPrivateKey string
	GitHubAPIBaseURL    string
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("WORKER_ADDR", ":5000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://slipway:slipway@db:5432/slipway?sslmode=disable"),
		RedisAddr:           GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:       GetString("REDIS_PASSWORD", ""),
		RedisDB:             GetInt("REDIS_DB", 0),
		BuildQueueTopic:     GetString("BUILD_QUEUE_TOPIC", "slipway:builds"),
		DeployQueueTopic:    GetString("DEPLOY_QUEUE_TOPIC", "slipway:deploys"),
		LogChannel:          GetString("BUILD_LOG_CHANNEL", "slipway:buildlogs"),
		DockerHost:          GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Registry:            GetString("DOCKER_REGISTRY", "registry.slipway.local"),
		RegistryUser:        GetString("DOCKER_REGISTRY_USER", ""),
		RegistryPass:        GetString("DOCKER_REGISTRY_PASSWORD", ""),
		Workdir:             GetString("BUILD_WORKDIR", "/tmp/slipway"),
		GitTimeout:          GetSeconds("GIT_TIMEOUT_SECONDS", 120),
		BuildTimeout:        GetSeconds("BUILD_TIMEOUT_SECONDS", 1800),
		Concurrency:         GetInt("BUILD_CONCURRENCY", 2),
		MaxLogBytes:         GetInt("BUILD_LOG_MAX_BYTES", 131072),
		GitHubAppID:         GetString("GITHUB_APP_ID", ""),
		GitHubAppPrivateKey: GetString("GITHUB_APP_PRIVATE_KEY", ""),
		GitHubAPIBaseURL:    GetString("GITHUB_API_BASE_URL", "https://api.github.com"),
	}
}
