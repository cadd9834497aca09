package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wavelength-social/wavelength/env"
	"github.com/wavelength-social/wavelength/fusion"
	"github.com/wavelength-social/wavelength/middleware"
	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/taste"
)

func init() {
	env.RegisterValidation("SERVICE_DID", "required")
	env.RegisterValidation("PUBLISHER_DID", "required")
	env.RegisterValidation("FEED_HOSTNAME", "required")
}

// Server is the feed generator's HTTP surface.
type Server struct {
	repos  *persist.Repositories
	fusion *fusion.Engine
	taste  *taste.Engine

	whitelist    map[persist.DID]bool
	serviceDid   string
	publisherDid string
	hostname     string
	feedName     string
}

// New creates the server from its collaborators and environment config.
func New(ctx context.Context, repos *persist.Repositories, fusionEngine *fusion.Engine, tasteEngine *taste.Engine, whitelist []persist.DID) *Server {
	wl := make(map[persist.DID]bool, len(whitelist))
	for _, did := range whitelist {
		wl[did] = true
	}
	return &Server{
		repos:        repos,
		fusion:       fusionEngine,
		taste:        tasteEngine,
		whitelist:    wl,
		serviceDid:   env.GetString(ctx, "SERVICE_DID"),
		publisherDid: env.GetString(ctx, "PUBLISHER_DID"),
		hostname:     env.GetString(ctx, "FEED_HOSTNAME"),
		feedName:     env.GetString(ctx, "FEED_NAME"),
	}
}

// feedURI is the at-uri of the feed record published under the publisher's repo.
func (s *Server) feedURI() string {
	name := s.feedName
	if name == "" {
		name = "wavelength"
	}
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", s.publisherDid, name)
}

func (s *Server) servesFeed(uri string) bool {
	return uri == s.feedURI()
}

// Handler assembles the gin engine with the standard middleware chain.
func (s *Server) Handler(ctx context.Context) *gin.Engine {
	router := gin.New()
	router.Use(middleware.GinContextToContext(), middleware.RequestID(), middleware.Sentry(true), middleware.ErrLogger(), middleware.HandleCORS())

	router.GET("/health", s.health)
	router.GET("/.well-known/did.json", s.wellKnownDid)
	router.GET("/xrpc/app.bsky.feed.describeFeedGenerator", s.describeFeedGenerator)
	router.GET("/xrpc/app.bsky.feed.getFeedSkeleton", s.getFeedSkeleton)
	router.POST("/xrpc/app.bsky.feed.sendInteractions", s.sendInteractions)

	logger.For(ctx).Info("feed routes registered")
	return router
}

// Run starts the HTTP listener and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", env.GetString(ctx, "LISTEN_HOST"), env.GetInt(ctx, "LISTEN_PORT")),
		Handler: s.Handler(ctx),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.For(ctx).Infof("listening on %s", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return httpServer.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
