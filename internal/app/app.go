// Package app wires configuration, storage, and the admission components
// into a running gateway process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/promptgate/promptgate/internal/admission"
	"github.com/promptgate/promptgate/internal/api"
	"github.com/promptgate/promptgate/internal/challenge"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/costs"
	"github.com/promptgate/promptgate/internal/db"
	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/settings"
	"github.com/promptgate/promptgate/internal/store"
	"github.com/promptgate/promptgate/internal/usage"
	"github.com/promptgate/promptgate/internal/verification"
)

const (
	// EnvAdminUsername and EnvAdminPassword seed the first admin account.
	EnvAdminUsername = "ADMIN_USERNAME"
	EnvAdminPassword = "ADMIN_PASSWORD"

	// defaultSQLiteDSN is used when no database DSN is configured.
	defaultSQLiteDSN = "./promptgate.db"

	shutdownTimeout = 10 * time.Second
)

// RunServer boots the gateway and blocks until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)

	gateCfg, errGate := config.LoadGatewayConfig(configPath)
	if errGate != nil {
		return errGate
	}
	if defaultPort > 0 && gateCfg.Port == 8318 {
		gateCfg.Port = defaultPort
	}

	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		if !errors.Is(errDSN, config.ErrMissingDatabaseDSN) && !errors.Is(errDSN, os.ErrNotExist) {
			return errDSN
		}
		log.WithField("dsn", defaultSQLiteDSN).Info("no database dsn configured, using local sqlite")
		dsn = defaultSQLiteDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	counterStore, errStore := buildCounterStore(ctx, gateCfg)
	if errStore != nil {
		return errStore
	}
	accessor := settings.NewAccessor(counterStore, gateCfg.Production())
	if errSeed := seedSettings(ctx, conn, accessor); errSeed != nil {
		return errSeed
	}
	if errAdmin := ensureAdminAccount(conn); errAdmin != nil {
		return errAdmin
	}

	jwtCfg, errJWT := config.LoadJWTConfig(configPath)
	if errJWT != nil {
		return errJWT
	}
	if strings.TrimSpace(jwtCfg.Secret) == "" {
		log.Warn("jwt secret is empty, admin API tokens are not secure")
	}
	if strings.TrimSpace(gateCfg.InternalSecret) == "" {
		log.Warn("no internal secret configured, cost reconcile callback is disabled")
	}

	challenges := challenge.NewManager(counterStore, accessor, nil)
	limiter := ratelimit.NewLimiter(counterStore, accessor, nil)
	costThrottle := costs.NewThrottle(counterStore, accessor, nil)
	verifier := verification.NewAdapter(gateCfg.Verification.Endpoint, gateCfg.Verification.Secret, nil, counterStore, accessor)
	pipeline := admission.NewPipeline(verifier, challenges, costThrottle, limiter)
	recorder := usage.NewRecorder(conn)

	server, errServer := api.NewServer(pipeline, challenges, accessor, recorder, conn, jwtCfg, gateCfg.UpstreamURL, gateCfg.InternalSecret, nil)
	if errServer != nil {
		return errServer
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", gateCfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"port":        gateCfg.Port,
			"environment": gateCfg.Environment,
		}).Info("gateway listening")
		if errListen := httpServer.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			errCh <- errListen
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := httpServer.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return nil
	case errListen := <-errCh:
		return errListen
	}
}

// buildCounterStore connects to Redis when configured. Production requires
// the shared store; memory is only acceptable for development.
func buildCounterStore(ctx context.Context, gateCfg config.GatewayConfig) (store.CounterStore, error) {
	addr := strings.TrimSpace(gateCfg.Redis.Addr)
	if addr == "" {
		if gateCfg.Production() {
			return nil, errors.New("app: production requires a redis address (set redis.addr or REDIS_ADDR)")
		}
		log.Warn("no redis address configured, using in-process counter store")
		return store.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: gateCfg.Redis.Password,
		DB:       gateCfg.Redis.DB,
	})
	redisStore := store.NewRedisStore(client, gateCfg.Redis.Prefix)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if errPing := redisStore.Ping(pingCtx); errPing != nil {
		return nil, fmt.Errorf("app: redis unreachable: %w", errPing)
	}
	return redisStore, nil
}

// seedSettings pushes the durable settings mirror into the counter store so
// stored overrides survive a store restart.
func seedSettings(ctx context.Context, conn *gorm.DB, accessor *settings.Accessor) error {
	var rows []models.Setting
	if errFind := conn.WithContext(ctx).Find(&rows).Error; errFind != nil {
		return fmt.Errorf("app: load settings mirror: %w", errFind)
	}
	for _, row := range rows {
		if _, ok := settings.KnownKeys[row.Key]; !ok {
			continue
		}
		if errSet := accessor.SetValue(ctx, row.Key, []byte(row.Value)); errSet != nil {
			return fmt.Errorf("app: seed setting %s: %w", row.Key, errSet)
		}
	}
	return nil
}

// ensureAdminAccount creates the first admin from environment credentials
// when the table is empty.
func ensureAdminAccount(conn *gorm.DB) error {
	var count int64
	if errCount := conn.Model(&models.Admin{}).Count(&count).Error; errCount != nil {
		return fmt.Errorf("app: count admins: %w", errCount)
	}
	if count > 0 {
		return nil
	}

	username := strings.TrimSpace(os.Getenv(EnvAdminUsername))
	password := os.Getenv(EnvAdminPassword)
	if username == "" || password == "" {
		log.Warn("no admin account exists and none configured; admin API is unusable until one is created")
		return nil
	}
	hash, errHash := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if errHash != nil {
		return fmt.Errorf("app: hash admin password: %w", errHash)
	}
	if errCreate := conn.Create(&models.Admin{Username: username, PasswordHash: string(hash)}).Error; errCreate != nil {
		return fmt.Errorf("app: create admin: %w", errCreate)
	}
	log.WithField("username", username).Info("seeded initial admin account")
	return nil
}
