package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/medsession/internal/activity"
	"github.com/tyemirov/medsession/internal/apiclient"
	"github.com/tyemirov/medsession/internal/authstate"
	"github.com/tyemirov/medsession/internal/clock"
	"github.com/tyemirov/medsession/internal/events"
	"github.com/tyemirov/medsession/internal/kvstore"
	"github.com/tyemirov/medsession/internal/metrics"
	"github.com/tyemirov/medsession/internal/tokens"
	"github.com/tyemirov/medsession/internal/web"
	webassets "github.com/tyemirov/medsession/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sessiond",
		Short:   "Session agent for the medical dashboards: token refresh, auth state, and activity tracking",
		PreRunE: prepareAgentConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":7070", "HTTP listen address")
	rootCmd.Flags().String("api_base_url", "", "Base URL of the upstream auth API")
	rootCmd.Flags().String("refresh_path", apiclient.DefaultRefreshPath, "Upstream refresh endpoint path")
	rootCmd.Flags().String("login_path", apiclient.DefaultLoginPath, "Upstream login endpoint path")
	rootCmd.Flags().String("profile_path", apiclient.DefaultProfilePath, "Upstream profile endpoint path")
	rootCmd.Flags().String("health_path", apiclient.DefaultHealthPath, "Upstream health endpoint path used for reachability probes")
	rootCmd.Flags().String("store_url", "", "Session store URL (memory://, file://, sqlite://, postgres://, pgx://, redis://); empty for in-memory")
	rootCmd.Flags().String("issuer", "", "Expected access token issuer; empty accepts any")
	rootCmd.Flags().Duration("refresh_timeout", tokens.DefaultRefreshTimeout, "Upper bound for one refresh call")
	rootCmd.Flags().Duration("min_reschedule_delay", tokens.DefaultMinRescheduleDelay, "Delay before retrying when a refreshed token is already near expiry")
	rootCmd.Flags().Duration("inactivity_threshold", activity.DefaultInactivityThreshold, "Idle time after which the session is flagged inactive")
	rootCmd.Flags().Duration("check_interval", activity.DefaultCheckInterval, "Inactivity check interval")
	rootCmd.Flags().Duration("probe_interval", activity.DefaultProbeInterval, "Upstream reachability probe interval")
	rootCmd.Flags().Bool("enable_probe", true, "Probe the upstream health endpoint to detect connectivity changes")
	rootCmd.Flags().Bool("logout_on_inactive", false, "Log the user out once the session is flagged inactive")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Dashboard origins allowed to call the agent")
	rootCmd.Flags().String("agent_base_url", "", "Public base URL of the agent; derived from the request when empty")
	rootCmd.Flags().String("log_file", "", "Optional rotating log file, written in addition to stdout")
	rootCmd.Flags().String("log_level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("metrics_namespace", "medsession", "Prometheus metric namespace")

	for _, name := range []string{
		"listen_addr", "api_base_url", "refresh_path", "login_path", "profile_path", "health_path",
		"store_url", "issuer", "refresh_timeout", "min_reschedule_delay", "inactivity_threshold",
		"check_interval", "probe_interval", "enable_probe", "logout_on_inactive", "cors_allowed_origins",
		"agent_base_url", "log_file", "log_level", "metrics_namespace",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("SESSIOND")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingAPIBaseURL        = "config.missing_api_base_url"
	configCodeInvalidAPIBaseURL        = "config.invalid_api_base_url"
	configCodeInvalidRefreshTimeout    = "config.invalid_refresh_timeout"
	configCodeInvalidRescheduleDelay   = "config.invalid_min_reschedule_delay"
	configCodeInvalidInactivity        = "config.invalid_inactivity_threshold"
	configCodeInvalidProbeInterval     = "config.invalid_probe_interval"
	configCodeInvalidLogLevel          = "config.invalid_log_level"
	configCodeUninitializedAgentConfig = "config.uninitialized_agent_config"
	configCodeStoreInit                = "config.store_init"
)

// AgentConfig is the validated runtime configuration.
type AgentConfig struct {
	ListenAddr          string
	Upstream            apiclient.Config
	StoreURL            string
	Issuer              string
	RefreshTimeout      time.Duration
	MinRescheduleDelay  time.Duration
	InactivityThreshold time.Duration
	CheckInterval       time.Duration
	ProbeInterval       time.Duration
	EnableProbe         bool
	LogoutOnInactive    bool
	CORSAllowedOrigins  []string
	AgentBaseURL        string
	LogFile             string
	LogLevel            zapcore.Level
	MetricsNamespace    string
}

type contextKey string

const agentConfigContextKey contextKey = "agentConfig"

func prepareAgentConfig(command *cobra.Command, arguments []string) error {
	agentConfig, loadErr := LoadAgentConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, agentConfigContextKey, agentConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadAgentConfig() (AgentConfig, error) {
	apiBaseURL := strings.TrimSpace(viper.GetString("api_base_url"))
	if apiBaseURL == "" {
		return AgentConfig{}, configError(configCodeMissingAPIBaseURL, "api_base_url must be provided")
	}
	upstream := apiclient.Config{
		BaseURL:     apiBaseURL,
		RefreshPath: viper.GetString("refresh_path"),
		LoginPath:   viper.GetString("login_path"),
		ProfilePath: viper.GetString("profile_path"),
		HealthPath:  viper.GetString("health_path"),
	}
	if _, err := apiclient.New(upstream); err != nil {
		return AgentConfig{}, configError(configCodeInvalidAPIBaseURL, "api_base_url must be an absolute http(s) URL")
	}

	refreshTimeout := viper.GetDuration("refresh_timeout")
	if refreshTimeout <= 0 {
		refreshTimeout = tokens.DefaultRefreshTimeout
	}
	minRescheduleDelay := viper.GetDuration("min_reschedule_delay")
	if minRescheduleDelay < 0 {
		return AgentConfig{}, configError(configCodeInvalidRescheduleDelay, "min_reschedule_delay must not be negative")
	}
	if minRescheduleDelay == 0 {
		minRescheduleDelay = tokens.DefaultMinRescheduleDelay
	}
	if minRescheduleDelay >= tokens.RefreshThreshold {
		return AgentConfig{}, configError(configCodeInvalidRescheduleDelay, "min_reschedule_delay must be shorter than the refresh threshold")
	}
	if refreshTimeout >= tokens.RefreshThreshold {
		return AgentConfig{}, configError(configCodeInvalidRefreshTimeout, "refresh_timeout must be shorter than the refresh threshold")
	}

	inactivityThreshold := viper.GetDuration("inactivity_threshold")
	if inactivityThreshold <= 0 {
		inactivityThreshold = activity.DefaultInactivityThreshold
	}
	checkInterval := viper.GetDuration("check_interval")
	if checkInterval <= 0 {
		checkInterval = activity.DefaultCheckInterval
	}
	if checkInterval >= inactivityThreshold {
		return AgentConfig{}, configError(configCodeInvalidInactivity, "check_interval must be shorter than inactivity_threshold")
	}

	probeInterval := viper.GetDuration("probe_interval")
	if probeInterval < 0 {
		return AgentConfig{}, configError(configCodeInvalidProbeInterval, "probe_interval must not be negative")
	}
	if probeInterval == 0 {
		probeInterval = activity.DefaultProbeInterval
	}

	logLevel := zapcore.InfoLevel
	if rawLevel := strings.TrimSpace(viper.GetString("log_level")); rawLevel != "" {
		if err := logLevel.UnmarshalText([]byte(rawLevel)); err != nil {
			return AgentConfig{}, configError(configCodeInvalidLogLevel, fmt.Sprintf("unknown log_level %q", rawLevel))
		}
	}

	metricsNamespace := strings.TrimSpace(viper.GetString("metrics_namespace"))
	if metricsNamespace == "" {
		metricsNamespace = "medsession"
	}
	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":7070"
	}

	return AgentConfig{
		ListenAddr:          listenAddr,
		Upstream:            upstream,
		StoreURL:            viper.GetString("store_url"),
		Issuer:              strings.TrimSpace(viper.GetString("issuer")),
		RefreshTimeout:      refreshTimeout,
		MinRescheduleDelay:  minRescheduleDelay,
		InactivityThreshold: inactivityThreshold,
		CheckInterval:       checkInterval,
		ProbeInterval:       probeInterval,
		EnableProbe:         viper.GetBool("enable_probe"),
		LogoutOnInactive:    viper.GetBool("logout_on_inactive"),
		CORSAllowedOrigins:  viper.GetStringSlice("cors_allowed_origins"),
		AgentBaseURL:        viper.GetString("agent_base_url"),
		LogFile:             strings.TrimSpace(viper.GetString("log_file")),
		LogLevel:            logLevel,
		MetricsNamespace:    metricsNamespace,
	}, nil
}

// newLogger writes JSON to stdout and, when logFile is set, to a rotating file.
func newLogger(level zapcore.Level, logFile string) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)}
	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotating), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(agentConfigContextKey)
	}
	agentConfig, ok := contextValue.(AgentConfig)
	if !ok {
		return configError(configCodeUninitializedAgentConfig, "agent configuration not prepared; PreRunE must execute before RunE")
	}

	logger := newLogger(agentConfig.LogLevel, agentConfig.LogFile)
	defer func() { _ = logger.Sync() }()

	runContext, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	backend, storeErr := kvstore.Open(runContext, agentConfig.StoreURL)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeStoreInit, storeErr)
	}
	defer func() {
		cancelRun()
		if err := backend.Close(); err != nil {
			logger.Warn("store close failed", zap.String("code", "kvstore.close"), zap.Error(err))
		}
	}()
	logger.Info("using session store", zap.String("driver", backend.Driver()))
	records := kvstore.NewRecords(backend)

	prometheusMetrics := metrics.NewPrometheusMetrics(agentConfig.MetricsNamespace)
	counters := metrics.NewCounterMetrics()
	recorder := metrics.Fanout{prometheusMetrics, counters}

	upstreamConfig := agentConfig.Upstream
	upstreamConfig.Logger = logger.Named("upstream")
	upstream, upstreamErr := apiclient.New(upstreamConfig)
	if upstreamErr != nil {
		return fmt.Errorf("%s: %w", configCodeInvalidAPIBaseURL, upstreamErr)
	}

	systemClock := clock.NewSystemClock()
	bus := events.NewBus(events.WithLogger(logger.Named("events")), events.WithMetrics(recorder))
	store := authstate.NewStore(records, logger.Named("authstate"))

	manager, managerErr := tokens.NewManager(tokens.Options{
		Records:            records,
		Refresher:          upstream,
		Clock:              systemClock,
		Logger:             logger.Named("tokens"),
		Metrics:            recorder,
		Issuer:             agentConfig.Issuer,
		RefreshTimeout:     agentConfig.RefreshTimeout,
		MinRescheduleDelay: agentConfig.MinRescheduleDelay,
		OnRefreshFailure: func(err error) {
			bus.Publish(events.TopicSessionExpired, map[string]any{"reason": "refresh_failed"})
			store.Logout(context.Background())
		},
	})
	if managerErr != nil {
		return managerErr
	}
	defer func() {
		manager.Cleanup()
		manager.Wait()
	}()

	store.Observe(authstate.NewBridge(authstate.BridgeOptions{
		Records:   records,
		Tokens:    manager,
		Publisher: bus,
		Logger:    logger.Named("bridge"),
		Metrics:   recorder,
	}))

	monitorOptions := activity.Options{
		Records:             records,
		Restorer:            manager,
		Publisher:           bus,
		Clock:               systemClock,
		Logger:              logger.Named("activity"),
		Metrics:             recorder,
		CheckInterval:       agentConfig.CheckInterval,
		InactivityThreshold: agentConfig.InactivityThreshold,
	}
	if agentConfig.LogoutOnInactive {
		monitorOptions.OnInactive = func(idle time.Duration) {
			logger.Info("logging out inactive session", zap.Duration("idle", idle))
			store.Logout(context.Background())
		}
	}
	monitor, monitorErr := activity.NewMonitor(monitorOptions)
	if monitorErr != nil {
		return monitorErr
	}

	restored, restoreErr := store.Restore(runContext)
	if restoreErr != nil {
		logger.Warn("session restore failed", zap.String("code", "authstate.restore"), zap.Error(restoreErr))
	}
	if err := manager.Init(runContext); err != nil {
		logger.Warn("token schedule init failed", zap.String("code", "tokens.init"), zap.Error(err))
	}
	if err := monitor.Load(runContext); err != nil {
		logger.Warn("activity load failed", zap.String("code", "activity.load"), zap.Error(err))
	}
	logger.Info("session restored", zap.Bool("authenticated", restored.IsAuthenticated))

	go monitor.Run(runContext)
	if agentConfig.EnableProbe {
		prober := activity.NewProber(upstream, monitor, systemClock, agentConfig.ProbeInterval, logger.Named("probe"))
		go prober.Run(runContext)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if len(agentConfig.CORSAllowedOrigins) > 0 {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, agentConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "online": monitor.IsOnline()})
	})
	router.GET("/metrics", gin.WrapH(prometheusMetrics.Handler()))
	router.GET("/static/session-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "session-client.js")
	})
	router.GET("/static/session-config.js", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{
			AgentBaseURL:   agentConfig.AgentBaseURL,
			ActivityEvents: activity.TrackedInputNames(),
			PointerMoveGap: int(activity.PointerMoveGap / time.Millisecond),
		})
	})
	web.MountSessionRoutes(router, web.SessionDependencies{
		Store:         store,
		Tokens:        manager,
		Monitor:       monitor,
		Authenticator: upstream,
		Logger:        logger.Named("web"),
	})
	router.GET("/api/events", web.StreamEvents(bus, agentConfig.CORSAllowedOrigins, logger.Named("stream")))

	server := &http.Server{
		Addr:              agentConfig.ListenAddr,
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

	logger.Info("listening", zap.String("addr", agentConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	logger.Info("agent stopped", zap.Any("events", counters.Snapshot()))
	return nil
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
