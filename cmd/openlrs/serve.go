package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/traceworks-io/openlrs/pkg/api"
	"github.com/traceworks-io/openlrs/pkg/auth"
	"github.com/traceworks-io/openlrs/pkg/blob"
	"github.com/traceworks-io/openlrs/pkg/config"
	"github.com/traceworks-io/openlrs/pkg/multipart"
	"github.com/traceworks-io/openlrs/pkg/observability"
	"github.com/traceworks-io/openlrs/pkg/ratelimit"
	"github.com/traceworks-io/openlrs/pkg/signature"
	"github.com/traceworks-io/openlrs/pkg/storage"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the LRS server",
	Long: `Start the HTTP server and serve the xAPI resources under the
configured base path. The process runs until SIGINT or SIGTERM, then
drains in-flight requests before exiting.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true,
		"apply schema migrations at startup (disable when the serving role lacks DDL rights)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.Logger()
	slog.SetDefault(log)

	store, err := storage.Open(ctx, cfg.DatabaseURL, storage.Options{
		MaxOpenConns:    cfg.PoolMaxOpen,
		MaxIdleConns:    cfg.PoolMaxIdle,
		OpTimeout:       cfg.DBTimeout.Std(),
		DefaultPageSize: cfg.PageSize,
		MaxPageSize:     cfg.MaxPageSize,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if serveMigrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	blobs, err := blob.New(ctx, blob.Config{
		Backend: blob.Backend(cfg.Blob.Backend),
		Dir:     cfg.Blob.Dir,
		S3: blob.S3Config{
			Bucket:   cfg.Blob.S3Bucket,
			Region:   cfg.Blob.S3Region,
			Endpoint: cfg.Blob.S3Endpoint,
			Prefix:   cfg.Blob.S3Prefix,
		},
		GCSBucket: cfg.Blob.GCSBucket,
		GCSPrefix: cfg.Blob.GCSPrefix,
	})
	if err != nil {
		return err
	}

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		ocfg := observability.DefaultConfig()
		ocfg.ServiceVersion = version
		ocfg.OTLPEndpoint = cfg.OTLPEndpoint
		ocfg.Insecure = cfg.OTLPInsecure
		obs, err = observability.New(ctx, ocfg)
		if err != nil {
			return err
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutCtx)
		}()
	}

	srv := &api.Server{
		Config: api.Config{
			Addr:         cfg.Addr,
			BasePath:     cfg.BasePath,
			MaxBodyBytes: cfg.MaxBodyBytes,
			CORSOrigins:  cfg.CORSOrigins,
			RetryAfter:   ratelimit.RetryAfter(cfg.RateLimit.RPS),
			Version:      version,
		},
		Log:      log,
		Store:    store,
		Blobs:    blobs,
		Intake:   &multipart.Intake{SpoolDir: cfg.SpoolDir, MaxPartBytes: cfg.MaxPartBytes, Log: log},
		Verifier: signature.NewVerifier(log),
		Limiter: ratelimit.New(ratelimit.Config{
			RPS:           cfg.RateLimit.RPS,
			Burst:         cfg.RateLimit.Burst,
			RedisAddr:     cfg.RateLimit.RedisAddr,
			RedisPassword: cfg.RateLimit.RedisPassword,
			RedisDB:       cfg.RateLimit.RedisDB,
		}, log),
		Obs:     obs,
		Sweeper: &multipart.Sweeper{Dir: cfg.SpoolDir, MaxAge: cfg.SpoolMaxAge.Std(), Log: log},
	}

	if cfg.Auth.Enabled {
		srv.Auth = auth.NewAuthenticator(store, auth.Config{
			BaseURL:   cfg.BaseURL,
			CacheSize: cfg.Auth.CacheSize,
			CacheTTL:  cfg.Auth.CacheTTL.Std(),
		}, log)
	} else {
		authority, err := legacyAuthority(cfg)
		if err != nil {
			return err
		}
		srv.LegacyAuthority = authority
		log.Warn("authentication disabled; all statements carry the configured authority")
	}

	log.Info("starting openlrs",
		"version", version,
		"addr", cfg.Addr,
		"base_path", cfg.BasePath,
		"auth", cfg.Auth.Enabled,
	)
	return srv.Run(ctx)
}

// legacyAuthority resolves the agent stamped on statements when auth is
// off: the configured JSON agent, or an account derived from the base URL.
func legacyAuthority(cfg *config.Config) (*xapi.Actor, error) {
	if cfg.Auth.Authority == "" {
		return auth.Authority(cfg.BaseURL, "anonymous"), nil
	}
	actor, err := xapi.ParseActor([]byte(cfg.Auth.Authority))
	if err != nil {
		return nil, fmt.Errorf("parsing configured authority: %w", err)
	}
	return actor, nil
}
