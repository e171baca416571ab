package config

// EnvPrefix is empty because every field names its variable explicitly.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Variable names referenced outside struct tags (error messages, tests).
const (
	EnvAppEnv       = "KINORAMA_APP_ENV"
	EnvPort         = "KINORAMA_APP_PORT"
	EnvDBDSN        = "KINORAMA_DB_DSN"
	EnvDBHost       = "KINORAMA_DB_HOST"
	EnvDBUser       = "KINORAMA_DB_USER"
	EnvDBName       = "KINORAMA_DB_NAME"
	EnvRedisURL     = "KINORAMA_REDIS_URL"
	EnvJWTSecret    = "KINORAMA_JWT_SECRET"
	EnvJWTIssuer    = "KINORAMA_JWT_ISSUER"
	EnvTorBoxAPIKey = "KINORAMA_TORBOX_API_KEY"
	EnvCipherSecret = "KINORAMA_TOKEN_CIPHER_SECRET"
)
