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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/LumeboardHQ/lumeboard/internal/auth"
	"github.com/LumeboardHQ/lumeboard/internal/blob"
	"github.com/LumeboardHQ/lumeboard/internal/canvas"
	"github.com/LumeboardHQ/lumeboard/internal/config"
	"github.com/LumeboardHQ/lumeboard/internal/database"
	"github.com/LumeboardHQ/lumeboard/internal/logging"
	"github.com/LumeboardHQ/lumeboard/internal/presence"
	"github.com/LumeboardHQ/lumeboard/internal/server"
	"github.com/LumeboardHQ/lumeboard/internal/shapesync"
	"github.com/LumeboardHQ/lumeboard/internal/store"
	"github.com/LumeboardHQ/lumeboard/internal/versions"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lumeboard-sync",
		Short: "Lumeboard canvas replication and versioning service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a room access token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd)
		},
	}
	tokenCmd.Flags().String("for-user", "", "User id the token is issued to (defaults to the configured user)")
	tokenCmd.Flags().String("for-room", "", "Room id the token grants (defaults to the configured room)")

	setupFlags(rootCmd)
	rootCmd.AddCommand(tokenCmd)

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
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().String("minio-endpoint", "", "MinIO/S3 endpoint for snapshot blobs")
	cmd.PersistentFlags().String("room-id", "", "Room this process mirrors")
	cmd.PersistentFlags().String("user-id", "", "User identity for sync and presence")
	cmd.PersistentFlags().String("user-name", "", "Display name shown to other participants")
	cmd.PersistentFlags().String("user-color", "", "Presence color shown to other participants")
	cmd.PersistentFlags().Int("retention-limit", defaults.GetInt("versions.retention_limit"), "Live versions kept per room")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Room token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "minio.endpoint", "minio-endpoint")
	bindFlag(cmd, "room.id", "room-id")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "user.name", "user-name")
	bindFlag(cmd, "user.color", "user-color")
	bindFlag(cmd, "versions.retention_limit", "retention-limit")
	bindFlag(cmd, "log.level", "log-level")
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

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
}

func runToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	userID, _ := cmd.Flags().GetString("for-user")
	if userID == "" {
		userID = appConfig.UserID
	}
	roomID, _ := cmd.Flags().GetString("for-room")
	if roomID == "" {
		roomID = appConfig.RoomID
	}

	token, expiresIn, err := issuer.IssueRoomToken(cmd.Context(), userID, roomID)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
	fmt.Fprintf(cmd.ErrOrStderr(), "room=%s user=%s expires_in=%ds\n", roomID, userID, expiresIn)
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	roomID, err := store.NewRoomID(appConfig.RoomID)
	if err != nil {
		return err
	}
	userID, err := store.NewUserID(appConfig.UserID)
	if err != nil {
		return err
	}
	sessionID := uuid.NewString()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	storeService, err := store.NewService(store.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(signalCtx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", appConfig.RedisAddress, err)
	}

	blobStore, err := blob.NewMinioStore(signalCtx, blob.MinioConfig{
		Endpoint:        appConfig.MinioEndpoint,
		AccessKeyID:     appConfig.MinioAccessKey,
		SecretAccessKey: appConfig.MinioSecretKey,
		UseSSL:          appConfig.MinioUseSSL,
		Bucket:          appConfig.MinioBucket,
		Region:          appConfig.MinioRegion,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	document := canvas.NewDocument(canvas.DocumentConfig{})

	notifier := shapesync.NewRedisNotifier(redisClient, roomID.String(), logger)
	syncEngine, err := shapesync.NewEngine(shapesync.EngineConfig{
		Store:            storeService,
		Notifier:         notifier,
		Document:         document,
		RoomID:           roomID,
		UserID:           userID,
		SessionID:        sessionID,
		DebounceInterval: appConfig.DebounceInterval,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	session, err := syncEngine.Start(signalCtx)
	if err != nil {
		return err
	}
	defer session.Stop()

	versionEngine, err := versions.NewEngine(versions.EngineConfig{
		Store:          storeService,
		Blobs:          blobStore,
		Document:       document,
		Sync:           session,
		RoomID:         roomID,
		UserID:         userID,
		RetentionLimit: appConfig.RetentionLimit,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	presenceChannel, err := presence.NewChannel(presence.ChannelConfig{
		Store:             presence.NewRedisStore(redisClient, logger),
		RoomID:            roomID.String(),
		Logger:            logger,
		RecordTTL:         appConfig.PresenceTTL,
		CursorInterval:    appConfig.CursorInterval,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}
	presenceChannel.PublishPresence(signalCtx, userID.String(), appConfig.UserDisplayName, appConfig.UserColor)
	stopHeartbeat := presenceChannel.StartHeartbeat(signalCtx, userID.String(), appConfig.UserDisplayName, appConfig.UserColor)
	defer stopHeartbeat()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		RoomID:     roomID.String(),
		Authorizer: tokenIssuer,
		Versions:   versionEngine,
		Presence:   presenceChannel,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("room_id", roomID.String()),
			zap.String("session_id", sessionID))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		// Sign out before the TTL would do it for us.
		offlineCtx, cancelOffline := context.WithTimeout(context.Background(), 2*time.Second)
		presenceChannel.MarkOffline(offlineCtx, userID.String())
		cancelOffline()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
