package tracing

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

type tracingTransport struct {
	http.RoundTripper

	continueOnly bool
	opts         []sentry.SpanOption
}

// NewTracingTransport wraps a RoundTripper so outbound calls (AppView, identity
// resolution, the vector store) show up as spans. With continueOnly set, a span is
// only recorded when a parent trace is already in progress; background loops that
// run outside a transaction stay quiet.
func NewTracingTransport(roundTripper http.RoundTripper, continueOnly bool, spanOptions ...sentry.SpanOption) *tracingTransport {
	// Unwrap an already-wrapped transport instead of stacking spans per request.
	if existing, ok := roundTripper.(*tracingTransport); ok {
		roundTripper = existing.RoundTripper
	}

	return &tracingTransport{
		RoundTripper: roundTripper,
		continueOnly: continueOnly,
		opts:         spanOptions,
	}
}

func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.continueOnly && sentry.TransactionFromContext(req.Context()) == nil {
		return t.RoundTripper.RoundTrip(req)
	}

	span, _ := StartSpan(req.Context(), "http."+strings.ToLower(req.Method), fmt.Sprintf("HTTP %s %s", req.Method, req.URL.String()), t.opts...)
	defer FinishSpan(span)

	// Forward the trace id so a receiving service can continue the trace.
	req.Header.Add("sentry-trace", span.TraceID.String())

	response, err := t.RoundTripper.RoundTrip(req)
	if response != nil {
		AddEventDataToSpan(span, map[string]interface{}{
			"HTTP Status Code": response.StatusCode,
		})
	}

	return response, err
}
