package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/streamauth/internal/authkit"
	"github.com/tyemirov/streamauth/internal/authkitpg"
	"github.com/tyemirov/streamauth/internal/media"
	"github.com/tyemirov/streamauth/internal/web"
	"github.com/tyemirov/streamauth/pkg/sessiontoken"
	"go.uber.org/zap"
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
		Use:     "streamauth",
		Short:   "Session service for the media platform: registration, login, rotating refresh tokens, and logout",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("env_file", "", "Optional .env file loaded before configuration is read")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("token_issuer", defaultTokenIssuer, "Issuer embedded in access and refresh tokens")
	rootCmd.Flags().String("access_token_secret", "", "HS256 secret for access tokens (required)")
	rootCmd.Flags().Duration("access_token_ttl", 0, "Access token lifetime (required)")
	rootCmd.Flags().String("refresh_token_secret", "", "HS256 secret for refresh tokens; must differ from the access secret (required)")
	rootCmd.Flags().Duration("refresh_token_ttl", 0, "Refresh token lifetime (required)")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_cookies", false, "Issue cookies without the Secure attribute for local HTTP development")
	rootCmd.Flags().Int("password_cost", 0, "bcrypt cost; zero uses the library default")
	rootCmd.Flags().String("database_url", "", "Database URL for users (postgres:// or sqlite:; leave empty for in-memory store)")
	rootCmd.Flags().String("database_driver", databaseDriverGORM, "Postgres access layer: gorm or pgx")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (switches cookies to SameSite=None)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("s3_region", "", "Region of the media bucket")
	rootCmd.Flags().String("s3_endpoint", "", "Custom S3 endpoint, e.g. a MinIO URL")
	rootCmd.Flags().String("s3_access_key_id", "", "Static access key for the media bucket")
	rootCmd.Flags().String("s3_secret_access_key", "", "Static secret key for the media bucket")
	rootCmd.Flags().String("s3_bucket", "", "Bucket receiving avatars and cover images; empty disables registration uploads")
	rootCmd.Flags().String("s3_public_base_url", "", "Public base URL for uploaded media")

	for _, name := range []string{
		"env_file", "listen_addr", "token_issuer",
		"access_token_secret", "access_token_ttl", "refresh_token_secret", "refresh_token_ttl",
		"cookie_domain", "dev_insecure_cookies", "password_cost",
		"database_url", "database_driver", "enable_cors", "cors_allowed_origins",
		"s3_region", "s3_endpoint", "s3_access_key_id", "s3_secret_access_key", "s3_bucket", "s3_public_base_url",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	defaultTokenIssuer = "streamauth"

	databaseDriverGORM = "gorm"
	databaseDriverPGX  = "pgx"

	configCodeEnvFile                 = "config.env_file"
	configCodeMissingAccessSecret     = "config.missing_access_token_secret"
	configCodeMissingRefreshSecret    = "config.missing_refresh_token_secret"
	configCodeSharedSecret            = "config.shared_token_secret"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_token_ttl"
	configCodeInvalidDatabaseDriver   = "config.invalid_database_driver"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		return err
	}
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

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads token secrets, lifetimes, and cookie settings from viper.
// Secrets and lifetimes have no defaults.
func LoadServerConfig() (authkit.ServerConfig, error) {
	accessSecret := viper.GetString("access_token_secret")
	if accessSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessSecret, "access_token_secret must be provided")
	}
	refreshSecret := viper.GetString("refresh_token_secret")
	if refreshSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshSecret, "refresh_token_secret must be provided")
	}
	if accessSecret == refreshSecret {
		return authkit.ServerConfig{}, configError(configCodeSharedSecret, "access_token_secret and refresh_token_secret must differ")
	}

	accessTTL := viper.GetDuration("access_token_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_token_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_ttl must be greater than zero")
	}

	issuer := strings.TrimSpace(viper.GetString("token_issuer"))
	if issuer == "" {
		issuer = defaultTokenIssuer
	}

	sameSite := http.SameSiteStrictMode
	if viper.GetBool("enable_cors") {
		sameSite = http.SameSiteNoneMode
	}

	return authkit.ServerConfig{
		TokenIssuer:          issuer,
		AccessTokenSecret:    []byte(accessSecret),
		AccessTokenTTL:       accessTTL,
		RefreshTokenSecret:   []byte(refreshSecret),
		RefreshTokenTTL:      refreshTTL,
		CookieDomain:         viper.GetString("cookie_domain"),
		AccessCookieName:     "accessToken",
		RefreshCookieName:    "refreshToken",
		SameSiteMode:         sameSite,
		AllowInsecureCookies: viper.GetBool("dev_insecure_cookies"),
		PasswordHashCost:     viper.GetInt("password_cost"),
	}, nil
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

	listenAddr := viper.GetString("listen_addr")
	if serverConfig.AllowInsecureCookies {
		logger.Warn("issuing cookies without the Secure attribute",
			zap.String("code", "config.dev_insecure_cookies"))
	}

	userStore, closeStore, storeErr := buildUserStore(commandContext, viper.GetString("database_url"), viper.GetString("database_driver"), logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	mediaStorage, mediaErr := buildMediaStorage(commandContext, logger)
	if mediaErr != nil {
		return mediaErr
	}

	codec, codecErr := sessiontoken.New(serverConfig.TokenConfig(nil))
	if codecErr != nil {
		return codecErr
	}

	metrics := authkit.NewCounterMetrics()
	defer logAuthCounters(logger, metrics)

	sessions, sessionsErr := authkit.NewSessionManager(authkit.SessionDependencies{
		Users:     userStore,
		Tokens:    codec,
		Passwords: authkit.NewPasswordHasher(serverConfig.PasswordHashCost),
		Media:     mediaStorage,
		Metrics:   metrics,
		Logger:    logger,
	})
	if sessionsErr != nil {
		return sessionsErr
	}

	router, routerErr := buildRouter(serverConfig, sessions, logger, viper.GetBool("enable_cors"), viper.GetStringSlice("cors_allowed_origins"))
	if routerErr != nil {
		return routerErr
	}

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
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildRouter(serverConfig authkit.ServerConfig, sessions *authkit.SessionManager, logger *zap.Logger, enableCORS bool, corsAllowedOrigins []string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	users := router.Group("/api/v1/users")
	authkit.MountAuthRoutes(users, serverConfig, sessions, logger)
	users.GET("/current-user", authkit.RequireUser(serverConfig, sessions, logger), web.HandleCurrentUser(logger))
	return router, nil
}

func buildUserStore(ctx context.Context, databaseURL string, driver string, logger *zap.Logger) (authkit.UserStore, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory user store")
		return authkit.NewMemoryUserStore(), func() {}, nil
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", databaseDriverGORM:
		store, err := authkit.NewDatabaseUserStore(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent user store", zap.String("driver", store.Driver()))
		return store, func() {}, nil
	case databaseDriverPGX:
		pool, err := authkitpg.BuildPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using persistent user store", zap.String("driver", databaseDriverPGX))
		return authkitpg.NewPostgresUserStore(pool), pool.Close, nil
	default:
		return nil, nil, configError(configCodeInvalidDatabaseDriver, fmt.Sprintf("database_driver %q is not one of gorm, pgx", driver))
	}
}

func buildMediaStorage(ctx context.Context, logger *zap.Logger) (authkit.MediaStorage, error) {
	bucket := strings.TrimSpace(viper.GetString("s3_bucket"))
	if bucket == "" {
		logger.Warn("media bucket not configured; registration is unavailable",
			zap.String("code", "config.media_disabled"))
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	storage, err := media.NewS3Storage(ctx, media.S3Config{
		Region:          viper.GetString("s3_region"),
		Endpoint:        viper.GetString("s3_endpoint"),
		AccessKeyID:     viper.GetString("s3_access_key_id"),
		SecretAccessKey: viper.GetString("s3_secret_access_key"),
		Bucket:          bucket,
		PublicBaseURL:   viper.GetString("s3_public_base_url"),
	}, logger)
	if err != nil {
		return nil, err
	}
	return storage, nil
}

// logAuthCounters writes the auth event counters once the server stops.
func logAuthCounters(logger *zap.Logger, metrics *authkit.CounterMetrics) {
	snapshot := metrics.Snapshot()
	events := make([]string, 0, len(snapshot))
	for event := range snapshot {
		events = append(events, event)
	}
	sort.Strings(events)
	fields := make([]zap.Field, 0, len(events)+1)
	fields = append(fields, zap.String("code", "auth.counters"))
	for _, event := range events {
		fields = append(fields, zap.Int64(event, snapshot[event]))
	}
	logger.Info("auth counters", fields...)
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
