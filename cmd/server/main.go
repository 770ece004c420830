package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/reaktor/dewey/internal/authkit"
	"github.com/reaktor/dewey/internal/authkitpg"
	"github.com/reaktor/dewey/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "dewey",
		Short:   "Google sign-in service with versioned sessions that revoke on sign-in elsewhere",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("root_host", "", "Public base URL; the OAuth redirect is <root_host>"+authkit.CallbackPath)
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.String("google_client_id", "", "Google OAuth client ID")
	flags.String("google_client_secret", "", "Google OAuth client secret")
	flags.String("hosted_domain", "", "Restrict sign-in to one Google Workspace domain")
	flags.Duration("provider_timeout", authkit.DefaultProviderTimeout, "Timeout for every Google API call")
	flags.String("jwt_signing_key", "", "HS256 signing secret for session cookies")
	flags.Duration("session_ttl", 30*24*time.Hour, "Session cookie lifetime")
	flags.Duration("state_ttl", 10*time.Minute, "OAuth state lifetime")
	flags.String("database_url", "", "Identity store URL (postgres:// or sqlite://; empty for in-memory)")
	flags.Bool("use_pgx_pool", false, "Use the pgx pool store with explicit row locks for postgres:// URLs")
	flags.String("redis_url", "", "Validity cache URL (redis://; empty for in-memory)")
	flags.Duration("validity_ttl", 0, "Validity cache entry lifetime; zero keeps entries until overwritten")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (sets SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, name := range []string{
		"listen_addr", "root_host", "cookie_domain", "google_client_id", "google_client_secret",
		"hosted_domain", "provider_timeout", "jwt_signing_key", "session_ttl", "state_ttl",
		"database_url", "use_pgx_pool", "redis_url", "validity_ttl", "dev_insecure_http",
		"enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionIssuer = "dewey"

	configCodeMissingGoogleClientID     = "config.missing_google_client_id"
	configCodeMissingGoogleClientSecret = "config.missing_google_client_secret"
	configCodeMissingJWTSigningKey      = "config.missing_jwt_signing_key"
	configCodeInvalidRootHost           = "config.invalid_root_host"
	configCodeInvalidSessionTTL         = "config.invalid_session_ttl"
	configCodeInvalidStateTTL           = "config.invalid_state_ttl"
	configCodeInvalidValidityTTL        = "config.invalid_validity_ttl"
	configCodeMissingCORSOrigins        = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf   = "config.uninitialized_server_config"
	configCodeInvalidRedisURL           = "config.invalid_redis_url"
	configCodePgxRequiresPostgres       = "config.pgx_requires_postgres_url"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates the bound flags and environment into a ServerConfig.
func LoadServerConfig() (authkit.ServerConfig, error) {
	googleClientID := strings.TrimSpace(viper.GetString("google_client_id"))
	if googleClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}
	googleClientSecret := viper.GetString("google_client_secret")
	if googleClientSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientSecret, "google_client_secret must be provided")
	}
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	rootHost, rootErr := normalizeRootHost(viper.GetString("root_host"))
	if rootErr != nil {
		return authkit.ServerConfig{}, rootErr
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}
	stateTTL := 10 * time.Minute
	if viper.IsSet("state_ttl") {
		stateTTL = viper.GetDuration("state_ttl")
	}
	if stateTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}
	validityTTL := viper.GetDuration("validity_ttl")
	if validityTTL < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidValidityTTL, "validity_ttl must not be negative")
	}
	enableCORS := viper.GetBool("enable_cors")
	if enableCORS && len(viper.GetStringSlice("cors_allowed_origins")) == 0 {
		return authkit.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	sameSite := http.SameSiteLaxMode
	if enableCORS {
		sameSite = http.SameSiteNoneMode
	}

	return authkit.ServerConfig{
		Provider: authkit.ProviderConfig{
			ClientID:     googleClientID,
			ClientSecret: googleClientSecret,
			RedirectURL:  rootHost + authkit.CallbackPath,
			HostedDomain: strings.TrimSpace(viper.GetString("hosted_domain")),
			Timeout:      viper.GetDuration("provider_timeout"),
		},
		SessionSigningKey: []byte(jwtSigningKey),
		SessionIssuer:     sessionIssuer,
		CookieDomain:      viper.GetString("cookie_domain"),
		SessionCookieName: authkit.DefaultSessionCookieName,
		FlashCookieName:   authkit.DefaultFlashCookieName,
		SessionTTL:        sessionTTL,
		StateTTL:          stateTTL,
		ValidityTTL:       validityTTL,
		SameSiteMode:      sameSite,
		AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
	}, nil
}

func normalizeRootHost(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", configError(configCodeInvalidRootHost, "root_host must be provided")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", configError(configCodeInvalidRootHost, "root_host must be an absolute http(s) URL")
	}
	return trimmed, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	clock := authkit.NewSystemClock()
	identityStore, closeStore, storeErr := buildIdentityStore(startupCtx, viper.GetString("database_url"), viper.GetBool("use_pgx_pool"), clock, logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	validityCache, stateStore, closeRedis, redisErr := buildRedisStores(startupCtx, viper.GetString("redis_url"), serverConfig.ValidityTTL, serverConfig.StateTTL, clock, logger)
	if redisErr != nil {
		return redisErr
	}
	defer closeRedis()

	registry := prometheus.NewRegistry()
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	provider, providerErr := authkit.NewGoogleIdentityProvider(serverConfig.Provider, nil, logger)
	if providerErr != nil {
		return fmt.Errorf("identity_provider.init: %w", providerErr)
	}
	sessionManager, managerErr := authkit.NewSessionManager(provider, identityStore, validityCache, logger, metricsRecorder)
	if managerErr != nil {
		return managerErr
	}
	guard := authkit.NewSigninGuard(sessionManager, logger)
	cookies := authkit.NewCookieSessionStore(serverConfig, clock, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if viper.GetBool("enable_cors") {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, viper.GetStringSlice("cors_allowed_origins"))
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	authkit.MountAuthRoutes(router, authkit.AuthRouteDependencies{
		Provider: provider,
		Sessions: sessionManager,
		Guard:    guard,
		Cookies:  cookies,
		States:   stateStore,
		Metrics:  metricsRecorder,
		Logger:   logger,
	})
	web.MountAPIRoutes(router, guard, cookies, logger)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	listenAddr := viper.GetString("listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown_failed"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.String("redirect_url", serverConfig.Provider.RedirectURL))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildIdentityStore(ctx context.Context, databaseURL string, usePgxPool bool, clock authkit.Clock, logger *zap.Logger) (authkit.IdentityStore, func(), error) {
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory identity store", zap.String("code", "identity_store.memory"))
		return authkit.NewMemoryIdentityStore(clock), func() {}, nil
	}
	if usePgxPool {
		if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
			return nil, nil, configError(configCodePgxRequiresPostgres, "use_pgx_pool requires a postgres:// database_url")
		}
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using pgx identity store", zap.String("code", "identity_store.pgx"))
		return authkitpg.NewPostgresIdentityStore(pool, clock, logger), pool.Close, nil
	}
	store, storeErr := authkit.NewDatabaseIdentityStore(ctx, databaseURL, clock, logger)
	if storeErr != nil {
		return nil, nil, storeErr
	}
	logger.Info("using persistent identity store", zap.String("code", "identity_store.gorm"), zap.String("driver", store.Driver()))
	return store, func() {}, nil
}

// buildRedisStores builds the validity cache and the OAuth state store. Both share one Redis client
// when redisURL is set and fall back to process-local stores otherwise.
func buildRedisStores(ctx context.Context, redisURL string, validityTTL time.Duration, stateTTL time.Duration, clock authkit.Clock, logger *zap.Logger) (authkit.ValidityCache, authkit.StateStore, func(), error) {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("using in-memory validity cache and state store; revocation and logins are process-local",
			zap.String("code", "validity_cache.memory"))
		return authkit.NewMemoryValidityCache(), authkit.NewMemoryStateStore(stateTTL, clock), func() {}, nil
	}
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, nil, nil, configError(configCodeInvalidRedisURL, parseErr.Error())
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("validity_cache.connect: %w", pingErr)
	}
	cache, cacheErr := authkit.NewRedisValidityCache(client, validityTTL)
	if cacheErr != nil {
		_ = client.Close()
		return nil, nil, nil, cacheErr
	}
	states, statesErr := authkit.NewRedisStateStore(client, stateTTL)
	if statesErr != nil {
		_ = client.Close()
		return nil, nil, nil, statesErr
	}
	logger.Info("using redis validity cache and state store", zap.String("code", "validity_cache.redis"), zap.String("addr", options.Addr))
	return cache, states, func() { _ = client.Close() }, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
