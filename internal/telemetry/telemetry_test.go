package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		provider.Shutdown(context.Background())
	})
	return recorder
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "pause.SelectReason", attribute.String("agent_id", "agent-7"))
	AddSpanAttributes(ctx, attribute.String("reason_id", "lunch"))
	MarkSpanError(ctx, errors.New("catalog down"))

	traceID, spanID, ok := TraceIDs(ctx)
	assert.True(t, ok)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), spanID)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "pause.SelectReason", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.String("reason_id", "lunch"))
	assert.Contains(t, ended[0].Attributes(), attribute.String("agent_id", "agent-7"))
	assert.Len(t, ended[0].Events(), 1)
}

func TestTraceIDsWithoutSpan(t *testing.T) {
	_, _, ok := TraceIDs(context.Background())
	assert.False(t, ok)

	// a nil error leaves the span alone
	MarkSpanError(context.Background(), nil)
}

func TestHTTPMiddleware(t *testing.T) {
	recorder := recordSpans(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware("agentdesk-api"))
	r.Get("/messages/{id}/viewed", func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := TraceIDs(r.Context())
		assert.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	for _, path := range []string{"/messages/m-1/viewed", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "GET /messages/{id}/viewed", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.Int("http.status_code", http.StatusNoContent))
	assert.NotEqual(t, codes.Error, ended[0].Status().Code)

	assert.Equal(t, "GET /boom", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}
