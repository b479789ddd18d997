package tracing

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by worker spans.
const (
	AttrBotID  = attribute.Key("sonolbot.bot_id")
	AttrChatID = attribute.Key("sonolbot.chat_id")
)

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// InitOpenTelemetry installs the process tracer provider. Workers are tagged
// with SONOLBOT_BOT_ID when it is set. Later calls are no-ops.
func InitOpenTelemetry(serviceName string) error {
	providerOnce.Do(func() {
		attrs := []attribute.KeyValue{
			semconv.ServiceName(serviceName),
			semconv.ProcessPID(os.Getpid()),
		}
		if botID := os.Getenv("SONOLBOT_BOT_ID"); botID != "" {
			attrs = append(attrs, AttrBotID.String(botID))
		}
		res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes the provider installed by InitOpenTelemetry.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the bot and chat ids carried by ctx.
// When ctx has no trace id yet, the span's trace id becomes the log trace id.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if botID := GetBotID(ctx); botID != "" {
		attrs = append(attrs, AttrBotID.String(botID))
	}
	if chatID, ok := GetChatID(ctx); ok {
		attrs = append(attrs, AttrChatID.Int64(chatID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}
