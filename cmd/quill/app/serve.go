package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quillsign/quill/pkg/api"
	"github.com/quillsign/quill/pkg/api/scheduler"
	"github.com/quillsign/quill/pkg/audit"
	"github.com/quillsign/quill/pkg/auth/admin"
	"github.com/quillsign/quill/pkg/auth/oidc"
	"github.com/quillsign/quill/pkg/config"
	"github.com/quillsign/quill/pkg/jwks"
	"github.com/quillsign/quill/pkg/keycache"
	"github.com/quillsign/quill/pkg/keystore"
	"github.com/quillsign/quill/pkg/logger"
	"github.com/quillsign/quill/pkg/networking"
	"github.com/quillsign/quill/pkg/ratelimit"
	"github.com/quillsign/quill/pkg/signer"
	"github.com/quillsign/quill/pkg/versions"
)

// jwksFetchTimeout bounds a single outbound discovery or key set fetch.
const jwksFetchTimeout = 10 * time.Second

// redisConnectTries caps the startup PING retries before giving up.
const redisConnectTries = 10

var (
	serveAddress string
	serveRedis   string
	serveAuditDB string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quill signing service",
	Long:  `Starts the signing service and listens for HTTP requests.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Ensure the server shuts down gracefully on Ctrl+C / SIGTERM.
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "Address to bind the server to (overrides LISTEN_ADDRESS)")
	serveCmd.Flags().StringVar(&serveRedis, "redis-url", "", "Redis connection URL (overrides REDIS_URL)")
	serveCmd.Flags().StringVar(&serveAuditDB, "audit-db", "", "Path of the SQLite audit database (overrides AUDIT_DB_PATH)")
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	auditStore, err := audit.NewSQLiteStore(ctx, cfg.AuditDBPath)
	if err != nil {
		return err
	}
	defer func() { _ = auditStore.Close() }()

	httpClient := networking.NewHttpClientBuilder().
		WithTimeout(jwksFetchTimeout).
		Build()

	srv := api.NewServer(api.Deps{
		Config:       cfg,
		Verifier:     oidc.NewVerifier(cfg.AllowedIssuers, cfg.ExpectedAudience, jwks.NewCache(httpClient, client)),
		AdminChecker: admin.NewChecker(cfg.AdminToken),
		Limiter:      ratelimit.NewRedisLimiter(client),
		AdminLimiter: ratelimit.NewRedisLimiterWithPrefix(client, ratelimit.AdminKeyPrefix),
		Keys:         keystore.NewRedisStore(client),
		Signer:       signer.New(keycache.New[*openpgp.Entity]()),
		Audit:        auditStore,
		Scheduler:    scheduler.AsyncScheduler{},
	})

	logger.Infow("starting quill", "version", versions.GetVersionInfo().Version, "address", cfg.ListenAddress)
	return srv.Serve(ctx)
}

// loadConfig reads the environment configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if serveAddress != "" {
		cfg.ListenAddress = serveAddress
	}
	if serveRedis != "" {
		cfg.RedisURL = serveRedis
	}
	if serveAuditDB != "" {
		cfg.AuditDBPath = serveAuditDB
	}
	return cfg, cfg.Validate()
}

// connectRedis dials Redis and waits for it to answer a PING, retrying with
// exponential backoff so the service survives a slow-starting backend.
func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second

	_, err = backoff.Retry(ctx,
		func() (struct{}, error) {
			return struct{}{}, client.Ping(ctx).Err()
		},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(redisConnectTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnw("redis not ready, retrying", "error", err, "backoff", duration.String())
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}
