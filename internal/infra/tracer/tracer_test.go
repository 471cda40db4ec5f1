package tracer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"trustgate/internal/domain"
	"trustgate/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok, "expected noop provider, got %T", otel.GetTracerProvider())
}

func TestSetupExporters(t *testing.T) {
	for _, exp := range []string{"noop", "", "stdout"} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
		require.NoError(t, err, exp)
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestPluginSpanRecordsErrorCode(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, span := StartPluginSpan(context.Background(), "gateway.load", "acme.tool")
	RecordError(span, domain.ErrSignatureVerificationFailed)
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "gateway.load", s.Name())
	assert.Equal(t, codes.Error, s.Status().Code)

	attrs := map[string]string{}
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "acme.tool", attrs["plugin.id"])
	assert.Equal(t, string(domain.CodeSignatureVerification), attrs["error.code"])
	assert.Equal(t, "critical", attrs["error.severity"])
}

func TestAttrHelpers(t *testing.T) {
	assert.Equal(t, "key", string(StringAttr("key", "value").Key))
	assert.Equal(t, int64(42), IntAttr("count", 42).Value.AsInt64())
	assert.Equal(t, int64(7), Int64Attr("bytes", 7).Value.AsInt64())
}
