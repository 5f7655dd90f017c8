package environment

import (
	"flag"
	"time"

	"github.com/sirupsen/logrus"
)

// unexported global variables
var (
	initMode = false

	address      = "0.0.0.0"
	postgresPort = 5432
	logLevel     = int(logrus.InfoLevel)

	tlsCert    string
	tlsKey     string
	requireTLS = false

	authMethod     = "trust"
	authUsersFile  string
	vaultAddr      string
	vaultToken     string
	vaultMount     = "secret"
	vaultPrefix    = "pgusers"
	oauthEndpoint  string
	oauthClientID  string
	oauthSecret    string
	oauthScope     string
	kerberosRealm  string
	defaultSchema  = "SQLUser"
	irisDriver     = "iris"
	irisDSN        string
	executorMode   = "pooled"
	poolSize       = 8
	poolOverflow   = 4
	acquireTimeout = 5 * time.Second
	maxLifetime    = 30 * time.Minute
	idleTimeout    = 5 * time.Minute

	statementTimeout = 0 * time.Second
	copyBatchSize    = 500
	maxMessageSize   = 64 * 1024 * 1024

	cacheSize  = 1024
	cacheTTL   = 10 * time.Minute
	casePolicy = "preserve"

	metricsAddr string

	storeProvider  string
	storeEndpoint  string
	storeRegion    string
	storeAccessKey string
	storeSecretKey string
)

func Init() {
	flag.BoolVar(&initMode, "init", initMode, "Check IRIS connectivity and exit.")

	flag.StringVar(&address, "address", address, "The address to bind to.")
	flag.IntVar(&postgresPort, "pg-port", postgresPort, "The port to bind to for PostgreSQL wire protocol.")
	flag.IntVar(&logLevel, "loglevel", logLevel, "The log level to use.")

	flag.StringVar(&tlsCert, "tls-cert", tlsCert, "Path to the server TLS certificate. TLS is offered when both cert and key are set.")
	flag.StringVar(&tlsKey, "tls-key", tlsKey, "Path to the server TLS key.")
	flag.BoolVar(&requireTLS, "require-tls", requireTLS, "Refuse clients that do not negotiate TLS.")

	flag.StringVar(&authMethod, "auth", authMethod, "Authentication method: trust, static, vault, oauth or kerberos.")
	flag.StringVar(&authUsersFile, "auth-users", authUsersFile, "Path to the user/verifier file for static authentication.")
	flag.StringVar(&vaultAddr, "vault-addr", vaultAddr, "Vault server address for vault authentication.")
	flag.StringVar(&vaultToken, "vault-token", vaultToken, "Vault token for vault authentication.")
	flag.StringVar(&vaultMount, "vault-mount", vaultMount, "Vault KV v2 mount holding user verifiers.")
	flag.StringVar(&vaultPrefix, "vault-prefix", vaultPrefix, "Path prefix under the Vault mount.")
	flag.StringVar(&oauthEndpoint, "oauth-introspect", oauthEndpoint, "OAuth token introspection endpoint for oauth authentication.")
	flag.StringVar(&oauthClientID, "oauth-client-id", oauthClientID, "Client ID for the introspection endpoint.")
	flag.StringVar(&oauthSecret, "oauth-client-secret", oauthSecret, "Client secret for the introspection endpoint.")
	flag.StringVar(&oauthScope, "oauth-scope", oauthScope, "Scope a token must carry to log in.")
	flag.StringVar(&kerberosRealm, "kerberos-realm", kerberosRealm, "Realm stripped from Kerberos principals.")

	flag.StringVar(&irisDriver, "driver", irisDriver, "The database/sql driver name for the IRIS connection.")
	flag.StringVar(&irisDSN, "dsn", irisDSN, "The IRIS connection string.")
	flag.StringVar(&defaultSchema, "default-schema", defaultSchema, "Schema used for unqualified table names.")
	flag.StringVar(&executorMode, "executor", executorMode, "Execution model: inprocess or pooled.")
	flag.IntVar(&poolSize, "pool-size", poolSize, "Base number of pooled IRIS connections.")
	flag.IntVar(&poolOverflow, "pool-overflow", poolOverflow, "Extra connections allowed beyond the pool size.")
	flag.DurationVar(&acquireTimeout, "pool-acquire-timeout", acquireTimeout, "How long a session waits for a pooled connection.")
	flag.DurationVar(&maxLifetime, "pool-max-lifetime", maxLifetime, "Lifetime after which a pooled connection is retired.")
	flag.DurationVar(&idleTimeout, "pool-idle-timeout", idleTimeout, "Idle time after which a pooled connection is closed.")

	flag.DurationVar(&statementTimeout, "statement-timeout", statementTimeout, "Per-statement execution timeout. Zero disables it.")
	flag.IntVar(&copyBatchSize, "copy-batch-size", copyBatchSize, "Rows buffered per batched COPY insert.")
	flag.IntVar(&maxMessageSize, "max-message-size", maxMessageSize, "Largest protocol message body accepted from a client, in bytes.")

	flag.IntVar(&cacheSize, "cache-size", cacheSize, "Number of translated statements to cache. Zero disables the cache.")
	flag.DurationVar(&cacheTTL, "cache-ttl", cacheTTL, "Lifetime of a cached translation.")
	flag.StringVar(&casePolicy, "case-policy", casePolicy, "Identifier case policy: preserve, upper or lower.")

	flag.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "Address to serve Prometheus metrics on. Empty disables metrics serving.")

	flag.StringVar(&storeProvider, "store-provider", storeProvider, "Object store provider for COPY TO destinations: s3 or s3c.")
	flag.StringVar(&storeEndpoint, "store-endpoint", storeEndpoint, "Object store endpoint.")
	flag.StringVar(&storeRegion, "store-region", storeRegion, "Object store region. Derived from the endpoint when empty.")
	flag.StringVar(&storeAccessKey, "store-access-key", storeAccessKey, "Object store access key ID.")
	flag.StringVar(&storeSecretKey, "store-secret-key", storeSecretKey, "Object store secret access key.")

	flag.Parse()
}

func GetInitMode() bool {
	return initMode
}

func GetAddress() string {
	return address
}

func GetPostgresPort() int {
	return postgresPort
}

func GetLogLevel() int {
	return logLevel
}

func GetTLSCert() string {
	return tlsCert
}

func GetTLSKey() string {
	return tlsKey
}

func GetRequireTLS() bool {
	return requireTLS
}

func GetAuthMethod() string {
	return authMethod
}

func GetAuthUsersFile() string {
	return authUsersFile
}

func GetVaultAddr() string {
	return vaultAddr
}

func GetVaultToken() string {
	return vaultToken
}

func GetVaultMount() string {
	return vaultMount
}

func GetVaultPrefix() string {
	return vaultPrefix
}

func GetOAuthEndpoint() string {
	return oauthEndpoint
}

func GetOAuthClientID() string {
	return oauthClientID
}

func GetOAuthSecret() string {
	return oauthSecret
}

func GetOAuthScope() string {
	return oauthScope
}

func GetKerberosRealm() string {
	return kerberosRealm
}

func GetDriver() string {
	return irisDriver
}

func GetDSN() string {
	return irisDSN
}

func GetDefaultSchema() string {
	return defaultSchema
}

func GetExecutorMode() string {
	return executorMode
}

func GetPoolSize() int {
	return poolSize
}

func GetPoolOverflow() int {
	return poolOverflow
}

func GetAcquireTimeout() time.Duration {
	return acquireTimeout
}

func GetMaxLifetime() time.Duration {
	return maxLifetime
}

func GetIdleTimeout() time.Duration {
	return idleTimeout
}

func GetStatementTimeout() time.Duration {
	return statementTimeout
}

func GetCopyBatchSize() int {
	return copyBatchSize
}

func GetMaxMessageSize() int {
	return maxMessageSize
}

func GetCacheSize() int {
	return cacheSize
}

func GetCacheTTL() time.Duration {
	return cacheTTL
}

func GetCasePolicy() string {
	return casePolicy
}

func GetMetricsAddr() string {
	return metricsAddr
}

func GetStoreProvider() string {
	return storeProvider
}

func GetStoreEndpoint() string {
	return storeEndpoint
}

func GetStoreRegion() string {
	return storeRegion
}

func GetStoreAccessKey() string {
	return storeAccessKey
}

func GetStoreSecretKey() string {
	return storeSecretKey
}
