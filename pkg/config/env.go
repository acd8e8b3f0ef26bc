package config

const (
	EnvPort      = "PORT"
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"

	EnvRequestTimeout = "REQUEST_TIMEOUT"
	EnvReplayStore    = "REPLAY_STORE"
	EnvReplayTTL      = "REPLAY_TTL"
	EnvMaxRequestSize = "MAX_REQUEST_SIZE"

	EnvReadTimeout     = "READ_TIMEOUT"
	EnvWriteTimeout    = "WRITE_TIMEOUT"
	EnvIdleTimeout     = "IDLE_TIMEOUT"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"

	EnvStoreDriver = "STORE_DRIVER"

	EnvMySQLHost     = "MYSQL_HOST"
	EnvMySQLPort     = "MYSQL_PORT"
	EnvMySQLUser     = "MYSQL_USER"
	EnvMySQLPassword = "MYSQL_PASSWORD"
	EnvMySQLDatabase = "MYSQL_DATABASE"
	EnvMySQLMaxConns = "MYSQL_MAX_CONNS"

	EnvPostgresURL      = "POSTGRES_URL"
	EnvPostgresMaxConns = "POSTGRES_MAX_CONNS"

	EnvMongoURI          = "MONGO_URI"
	EnvMongoDatabaseName = "MONGO_DATABASE_NAME"
	EnvMongoConnTimeout  = "MONGO_CONN_TIMEOUT"

	EnvTxMaxAttempts  = "TX_MAX_ATTEMPTS"
	EnvTxRetryBackoff = "TX_RETRY_BACKOFF"

	EnvRedisAddrs    = "REDIS_ADDRS"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"

	EnvLockTTL            = "LOCK_TTL"
	EnvLockDriftFactor    = "LOCK_DRIFT_FACTOR"
	EnvLockRetryCount     = "LOCK_RETRY_COUNT"
	EnvLockRetryDelay     = "LOCK_RETRY_DELAY"
	EnvLockRetryJitter    = "LOCK_RETRY_JITTER"
	EnvLockKeyPrefix      = "LOCK_KEY_PREFIX"
	EnvLockReleaseTimeout = "LOCK_RELEASE_TIMEOUT"

	EnvEventsDriver = "EVENTS_DRIVER"
	EnvEventsTopic  = "EVENTS_TOPIC"
	EnvAMQPURL      = "AMQP_URL"

	EnvMetricsEnabled = "METRICS_ENABLED"
)
