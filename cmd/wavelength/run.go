package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wavelength-social/wavelength/env"
	"github.com/wavelength-social/wavelength/fusion"
	"github.com/wavelength-social/wavelength/graph"
	"github.com/wavelength-social/wavelength/ingester"
	"github.com/wavelength-social/wavelength/keywords"
	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/persist/postgres"
	"github.com/wavelength-social/wavelength/ranking"
	"github.com/wavelength-social/wavelength/semantic"
	"github.com/wavelength-social/wavelength/server"
	"github.com/wavelength-social/wavelength/service/appview"
	"github.com/wavelength-social/wavelength/service/identity"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/service/qdrant"
	"github.com/wavelength-social/wavelength/service/redis"
	"github.com/wavelength-social/wavelength/service/tracing"
	"github.com/wavelength-social/wavelength/taste"
)

// app holds the collaborators shared by every run mode.
type app struct {
	repos      *persist.Repositories
	httpClient *http.Client
	api        *appview.API
	whitelist  []persist.DID
	graph      *graph.Service
	influence  *graph.InfluenceCache
	taste      *taste.Engine
	ranker     *ranking.Engine
}

func newApp(ctx context.Context) (*app, error) {
	if err := runMigrations(); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	repos := postgres.NewRepositories(postgres.NewPgxClient())

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: tracing.NewTracingTransport(http.DefaultTransport, false),
	}

	whitelist, err := resolveWhitelist(ctx, identity.NewResolver(httpClient))
	if err != nil {
		return nil, err
	}
	logger.For(ctx).Infof("serving %d enrolled users", len(whitelist))

	api := appview.NewAPI(httpClient)
	graphSvc := graph.NewService(api, repos.Follows, repos.Meta)

	return &app{
		repos:      repos,
		httpClient: httpClient,
		api:        api,
		whitelist:  whitelist,
		graph:      graphSvc,
		influence:  graph.NewInfluenceCache(graphSvc, repos.Follows, repos.InfluentialL2s),
		taste:      taste.NewEngine(repos, graphSvc.GetPostLikers, env.GetStringList(ctx, "RESTRICTED_KEYWORDS")),
		ranker:     ranking.NewEngine(repos),
	}, nil
}

// resolveWhitelist turns the configured enrollment list, which may mix handles and
// DIDs, into DIDs.
func resolveWhitelist(ctx context.Context, resolver *identity.Resolver) ([]persist.DID, error) {
	identifiers := env.GetStringList(ctx, "FEED_WHITELIST")
	if len(identifiers) == 0 {
		return nil, fmt.Errorf("FEED_WHITELIST is empty, nothing to serve")
	}

	dids := make([]persist.DID, 0, len(identifiers))
	for _, identifier := range identifiers {
		did, err := resolver.ResolveHandle(ctx, identifier)
		if err != nil {
			return nil, fmt.Errorf("could not resolve %s: %w", identifier, err)
		}
		dids = append(dids, did)
	}
	return dids, nil
}

// runIngester consumes the firehose, keeps tracked sets fresh, and sweeps retention.
func runIngester(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	return a.ingest(ctx)
}

func (a *app) ingest(ctx context.Context) error {
	tracked := ingester.NewTrackedSets(a.whitelist, a.repos.Follows, a.repos.Taste)
	batcher := ingester.NewBatcher(a.repos.Posts, a.repos.Meta)

	ing := ingester.New(ingester.Config{
		Endpoint:       env.GetString(ctx, "JETSTREAM_URL"),
		ReconnectDelay: time.Duration(env.GetInt(ctx, "JETSTREAM_RECONNECT_SECONDS")) * time.Second,
		Tracked:        tracked,
		Batcher:        batcher,
		Meta:           a.repos.Meta,
		Handler:        a.taste,
		WantedDids: func(ctx context.Context) ([]persist.DID, error) {
			return a.graph.GetWantedDidsForAll(ctx, a.whitelist)
		},
	})

	go ingester.NewRetentionGC(a.repos).Run(ctx)

	ing.Run(ctx)
	return ctx.Err()
}

// runServer runs the HTTP feed surface plus the background engines that feed it:
// graph maintenance, the semantic batch pipeline, and daily keyword refreshes.
func runServer(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

func (a *app) serve(ctx context.Context) error {
	go graph.RunMaintenanceLoop(ctx, a.graph, a.influence, a.whitelist)

	embedder := semantic.NewEmbedder(env.GetString(ctx, "EMBEDDER_BIN"), env.GetString(ctx, "EMBEDDER_MODEL_PATH"))
	clusterer := semantic.NewClusterer(env.GetString(ctx, "CLUSTERER_BIN"))
	vectors := qdrant.NewClient(a.httpClient)
	pipeline := semantic.NewPipeline(a.ranker, a.repos, vectors, a.api, embedder, clusterer)

	locker := redis.NewLockClient(redis.NewCache(redis.SemanticPipelineLockCache))
	scheduler := semantic.NewScheduler(pipeline, locker, a.whitelist)
	go scheduler.Run(ctx)

	keywordEngine := keywords.NewEngine(a.repos, keywords.NewExtractor(env.GetString(ctx, "KEYWORD_EXTRACTOR_BIN")))
	go keywordEngine.RunDailyLoop(ctx, a.whitelist)

	fusionEngine := fusion.NewEngine(a.repos, a.ranker, a.taste, scheduler.Trigger)

	return server.New(ctx, a.repos, fusionEngine, a.taste, a.whitelist).Run(ctx)
}

// runAll runs the ingester and the server in one process, sharing one connection
// pool and one set of engines.
func runAll(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.ingest(ctx) })
	group.Go(func() error { return a.serve(ctx) })
	return group.Wait()
}
