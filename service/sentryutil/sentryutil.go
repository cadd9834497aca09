package sentryutil

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/wavelength-social/wavelength/service/logger"
)

// ReportError reports an error to the hub on the current context, falling back to the
// global hub. Errors are also logged so local environments without a DSN still see them.
func ReportError(ctx context.Context, err error) {
	logger.For(ctx).Error(err)

	hub := SentryHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub == nil {
		return
	}

	hub.CaptureException(err)
}

// NewSentryHubContext returns a context carrying a clone of the given hub. Background
// goroutines spawned from a request must not share the request's hub.
func NewSentryHubContext(ctx context.Context, hub *sentry.Hub) context.Context {
	var cpy *sentry.Hub

	if hub != nil {
		cpy = hub.Clone()
	}

	return sentry.SetHubOnContext(ctx, cpy)
}

// SentryHubFromContext gets a Hub from the supplied context, or from an underlying
// gin.Context if one is available.
func SentryHubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}

	if gc, ok := ctx.(*gin.Context); ok {
		if hub := sentrygin0(gc); hub != nil {
			return hub
		}
	}

	return nil
}

func sentrygin0(gc *gin.Context) *sentry.Hub {
	return sentry.GetHubFromContext(gc.Request.Context())
}
