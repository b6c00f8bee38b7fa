package config

import "time"

// OrchestratorConfig holds runtime configuration for the provisioning and
// reverse-proxy orchestrator.
type OrchestratorConfig struct {
	Environment     string
	LogLevel        string
	Addr            string
	DatabaseURL     string
	MigrationsDir   string
	JWTSecret       string
	APIKeyHash      string
	CallbackURL     string
	CallbackToken   string
	CallbackTimeout time.Duration

	VaultPassphrase string
	VaultSalt       string

	SSHConnectTimeout time.Duration
	SSHCommandTimeout time.Duration
	SSHInstallTimeout time.Duration
	SSHKnownHosts     string

	ProxyEngine          string
	SharedNetwork        string
	FallbackNetwork      string
	StrictNetwork        bool
	NginxContainerName   string
	NginxBaseDir         string
	NginxImage           string
	TraefikContainerName string
	TraefikPattern       string
	TraefikImage         string
	TraefikCertResolver  string
	TraefikACMEEmail     string

	NodeMajorVersion   int
	HealthProbeTimeout time.Duration
	HealthProbePath    string
	LogTailLines       int
	EventBuffer        int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	RateLimitPerMinute int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:     GetString("APP_ENV", "development"),
		LogLevel:        GetString("LOG_LEVEL", "info"),
		Addr:            GetString("ORCH_ADDR", ":4100"),
		DatabaseURL:     GetString("DATABASE_URL", ""),
		MigrationsDir:   GetString("DB_MIGRATIONS_DIR", ""),
		JWTSecret:       GetString("JWT_SECRET", "supersecuresecret"),
		APIKeyHash:      GetString("ORCH_API_KEY_HASH", ""),
		CallbackURL:     GetString("DEPLOY_CALLBACK_URL", ""),
		CallbackToken:   GetString("DEPLOY_CALLBACK_TOKEN", ""),
		CallbackTimeout: GetSeconds("DEPLOY_CALLBACK_TIMEOUT_SECONDS", 10),

		VaultPassphrase: GetString("VAULT_PASSPHRASE", "supersecuresecret"),
		VaultSalt:       GetString("VAULT_SALT", "salt"),

		SSHConnectTimeout: GetSeconds("SSH_CONNECT_TIMEOUT_SECONDS", 20),
		SSHCommandTimeout: GetSeconds("SSH_COMMAND_TIMEOUT_SECONDS", 120),
		SSHInstallTimeout: GetSeconds("SSH_INSTALL_TIMEOUT_SECONDS", 900),
		SSHKnownHosts:     GetString("SSH_KNOWN_HOSTS", ""),

		ProxyEngine:          GetString("PROXY_ENGINE", "nginx"),
		SharedNetwork:        GetString("PROXY_SHARED_NETWORK", "coolify"),
		FallbackNetwork:      GetString("PROXY_FALLBACK_NETWORK", "deploy-manager"),
		StrictNetwork:        GetBool("PROXY_STRICT_NETWORK", false),
		NginxContainerName:   GetString("NGINX_CONTAINER_NAME", "deploy-manager-nginx"),
		NginxBaseDir:         GetString("NGINX_BASE_DIR", "/opt/deploy-manager/nginx"),
		NginxImage:           GetString("NGINX_IMAGE", "nginx:alpine"),
		TraefikContainerName: GetString("TRAEFIK_CONTAINER_NAME", "traefik"),
		TraefikPattern:       GetString("TRAEFIK_CONTAINER_PATTERN", "traefik"),
		TraefikImage:         GetString("TRAEFIK_IMAGE", "traefik:v2.11"),
		TraefikCertResolver:  GetString("TRAEFIK_CERT_RESOLVER", "letsencrypt"),
		TraefikACMEEmail:     GetString("TRAEFIK_ACME_EMAIL", ""),

		NodeMajorVersion:   GetInt("NODE_MAJOR_VERSION", 20),
		HealthProbeTimeout: GetSeconds("HEALTH_PROBE_TIMEOUT_SECONDS", 60),
		HealthProbePath:    GetString("HEALTH_PROBE_PATH", "/"),
		LogTailLines:       GetInt("LOG_TAIL_LINES", 20),
		EventBuffer:        GetInt("EVENT_BUFFER", 64),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitPerMinute: GetInt("RATE_LIMIT_PER_MINUTE", 30),
	}
}
