package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/config"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/database"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/gateways"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/media"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/membership"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/server"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/users"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "huddle-api",
		Short: "Huddle realtime and notification backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the offline queue and caches")
	cmd.PersistentFlags().String("media-root", defaults.GetString("media.root"), "Directory for shared media")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Access token lifetime")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "media.root", "media-root")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newTokenCommand issues an access token for local testing of the API and websocket.
func newTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token subject")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var store cache.Store
	if appConfig.RedisEnabled() {
		redisStore, err := cache.Open(ctx, cache.Config{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			Prefix:   appConfig.RedisPrefix,
		})
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		logger.Warn("redis disabled, offline queue and unread cache unavailable")
	}

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	memberships, err := membership.NewService(db)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(time.Now)
	router := presence.NewRouter(registry, logger)
	registry.Subscribe(router.BroadcastPresence)

	mediaFs := afero.NewOsFs()
	mediaStore := media.NewStore(media.Config{
		Fs:       mediaFs,
		Root:     appConfig.MediaRoot,
		BaseURL:  appConfig.MediaBaseURL,
		MaxBytes: appConfig.MediaMaxBytes,
		Clock:    time.Now,
	})

	idProvider := ids.NewUUIDProvider()
	coordinator, err := chat.NewCoordinator(chat.CoordinatorConfig{
		Database:   db,
		Access:     memberships,
		Media:      mediaStore,
		Presence:   registry,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	push, email, sms := buildGateways(appConfig, logger)
	dispatcher, err := notifications.NewDispatcher(notifications.DispatcherConfig{
		Database:       db,
		Directory:      directory,
		Live:           router,
		Cache:          store,
		Push:           push,
		Email:          email,
		SMS:            sms,
		IDProvider:     idProvider,
		Clock:          time.Now,
		Logger:         logger,
		GatewayTimeout: appConfig.GatewayTimeout,
	})
	if err != nil {
		return err
	}
	inbox, err := notifications.NewInbox(notifications.InboxConfig{
		Database: db,
		Cache:    store,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	engine, err := scheduler.NewEngine(scheduler.EngineConfig{
		Database:          db,
		Dispatcher:        dispatcher,
		Presence:          registry,
		Profiles:          directory,
		Purger:            inbox,
		IDProvider:        idProvider,
		Clock:             time.Now,
		Logger:            logger,
		PollInterval:      appConfig.SchedulerPollInterval,
		CleanupInterval:   appConfig.SchedulerCleanupInterval,
		BatchSize:         appConfig.SchedulerBatchSize,
		ActiveWindow:      appConfig.SchedulerActiveWindow,
		ReadRetention:     appConfig.NotificationReadRetention,
		TerminalRetention: appConfig.ScheduleRetention,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Chat:           coordinator,
		Registry:       registry,
		Router:         router,
		Dispatcher:     dispatcher,
		Inbox:          inbox,
		Scheduler:      engine,
		Directory:      directory,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger,
		MediaFiles:     afero.NewHttpFs(mediaFs).Dir(appConfig.MediaRoot),
		MediaPath:      appConfig.MediaBaseURL,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.Start(signalCtx)
	defer engine.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildGateways uses the HTTP relays that are configured. Channels without a relay fall back
// to the log gateway, which fails every send.
func buildGateways(appConfig config.AppConfig, logger *zap.Logger) (gateways.PushGateway, gateways.EmailGateway, gateways.SMSGateway) {
	client := &http.Client{Timeout: appConfig.GatewayTimeout}
	fallback := gateways.NewLogGateway(logger)

	var (
		push  gateways.PushGateway  = fallback
		email gateways.EmailGateway = fallback
		sms   gateways.SMSGateway   = fallback
	)
	if appConfig.PushRelayURL != "" {
		push = gateways.NewPushRelay(appConfig.PushRelayURL, client)
	} else {
		logger.Warn("push relay not configured, push sends will fail")
	}
	if appConfig.EmailRelayURL != "" {
		email = gateways.NewEmailRelay(appConfig.EmailRelayURL, client)
	} else {
		logger.Warn("email relay not configured, email sends will fail")
	}
	if appConfig.SMSRelayURL != "" {
		sms = gateways.NewSMSRelay(appConfig.SMSRelayURL, client)
	} else {
		logger.Warn("sms relay not configured, sms sends will fail")
	}
	return push, email, sms
}
