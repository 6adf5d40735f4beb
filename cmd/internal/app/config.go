package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// StoreBackend selects the message store: "memory", "postgres", "scylla".
	StoreBackend string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	ScyllaHosts    []string
	ScyllaKeyspace string

	// RedisAddr enables the Redis presence tracker when set; empty keeps
	// presence process-local.
	RedisAddr     string
	RedisPassword string

	// KafkaBrokers enables the push-event emitter when set.
	KafkaBrokers   []string
	KafkaPushTopic string

	// JWTSecret is the shared HMAC key of the identity provider.
	JWTSecret string

	// DevTokens maps static tokens to identities ("token:user[:role]" CSV).
	// Dev and test only; ignored when JWTSecret is set.
	DevTokens string

	// DevRooms seeds rooms with members at startup ("room:user1;user2" CSV).
	// Dev and smoke-test only.
	DevRooms string

	// If true, /readyz returns 503 unless the configured backends are reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("VIGIL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("VIGIL_LOG_LEVEL", "info"),
		LogFormat: EnvString("VIGIL_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("VIGIL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VIGIL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VIGIL_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VIGIL_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("VIGIL_HTTP_MAX_HEADER_BYTES", 1<<20),

		StoreBackend: EnvString("VIGIL_STORE", "memory"),

		DatabaseURL: EnvString("VIGIL_DATABASE_URL", ""),
		DBSchema:    EnvString("VIGIL_DB_SCHEMA", "vigil"),
		DBMaxConns:  EnvInt32("VIGIL_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("VIGIL_DB_MIN_CONNS", 0),

		ScyllaHosts:    EnvCSV("VIGIL_SCYLLA_HOSTS", ""),
		ScyllaKeyspace: EnvString("VIGIL_SCYLLA_KEYSPACE", "vigil"),

		RedisAddr:     EnvString("VIGIL_REDIS_ADDR", ""),
		RedisPassword: EnvString("VIGIL_REDIS_PASSWORD", ""),

		KafkaBrokers:   EnvCSV("VIGIL_KAFKA_BROKERS", ""),
		KafkaPushTopic: EnvString("VIGIL_KAFKA_PUSH_TOPIC", "vigil.push"),

		JWTSecret: EnvString("VIGIL_JWT_SECRET", ""),
		DevTokens: EnvString("VIGIL_DEV_TOKENS", ""),
		DevRooms:  EnvString("VIGIL_DEV_ROOMS", ""),

		ReadinessRequireDB: EnvBool("VIGIL_READINESS_REQUIRE_DB", false),
	}
}
