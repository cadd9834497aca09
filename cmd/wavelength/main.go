package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	db "github.com/wavelength-social/wavelength/db"
	"github.com/wavelength-social/wavelength/env"
	"github.com/wavelength-social/wavelength/persist/postgres"
	"github.com/wavelength-social/wavelength/service/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "wavelength",
		Short: "Personalized feed generator for the AT protocol network",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setDefaults()
			initSentry()
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Run database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrations()
			},
		},
		&cobra.Command{
			Use:   "ingester",
			Short: "Run the firehose ingester and retention GC",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSignalContext(runIngester)
			},
		},
		&cobra.Command{
			Use:   "server",
			Short: "Run the feed server and background engines",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSignalContext(runServer)
			},
		},
		&cobra.Command{
			Use:   "all",
			Short: "Run the ingester and the server in one process",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSignalContext(runAll)
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("LISTEN_HOST", "0.0.0.0")
	viper.SetDefault("LISTEN_PORT", 4000)
	viper.SetDefault("POSTGRES_HOST", "0.0.0.0")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "postgres")
	viper.SetDefault("POSTGRES_PASSWORD", "")
	viper.SetDefault("POSTGRES_DB", "postgres")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("REDIS_PASS", "")
	viper.SetDefault("QDRANT_URL", "http://localhost:6333")
	viper.SetDefault("APPVIEW_URL", "https://public.api.bsky.app")
	viper.SetDefault("PLC_URL", "https://bsky.social")
	viper.SetDefault("JETSTREAM_URL", "wss://jetstream2.us-east.bsky.network/subscribe")
	viper.SetDefault("JETSTREAM_RECONNECT_SECONDS", 5)
	viper.SetDefault("FEED_WHITELIST", "")
	viper.SetDefault("FEED_NAME", "wavelength")
	viper.SetDefault("FEED_HOSTNAME", "")
	viper.SetDefault("SERVICE_DID", "")
	viper.SetDefault("PUBLISHER_DID", "")
	viper.SetDefault("RESTRICTED_KEYWORDS", "")
	viper.SetDefault("EMBEDDER_BIN", "scripts/embed_posts.py")
	viper.SetDefault("EMBEDDER_MODEL_PATH", "models/mobileclip2-s2.pt")
	viper.SetDefault("CLUSTERER_BIN", "scripts/build_user_profile.py")
	viper.SetDefault("KEYWORD_EXTRACTOR_BIN", "scripts/extract_keywords.py")
	viper.SetDefault("SENTRY_DSN", "")

	viper.AutomaticEnv()

	logger.InitWithDefaults(env.GetString(context.Background(), "ENV"))
}

func initSentry() {
	ctx := context.Background()
	dsn := env.GetString(ctx, "SENTRY_DSN")
	if dsn == "" {
		return
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env.GetString(ctx, "ENV"),
	}); err != nil {
		logger.For(ctx).Errorf("sentry init failed: %s", err)
	}
}

func runMigrations() error {
	client, err := postgres.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return db.RunCoreDBMigration(client)
}

// withSignalContext runs fn under a context cancelled by SIGINT/SIGTERM and gives
// goroutines a short window to finish after cancellation.
func withSignalContext(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.For(ctx).Infof("received %s, shutting down", sig)
		cancel()
	}()

	err := fn(ctx)

	// Let final flushes and async writes drain.
	time.Sleep(2 * time.Second)
	sentry.Flush(2 * time.Second)
	return err
}
