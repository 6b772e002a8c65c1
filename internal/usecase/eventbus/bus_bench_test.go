package eventbus

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"gatelink/internal/domain"
)

func BenchmarkEventBusPublish(b *testing.B) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	event := domain.GatewayEvent{Name: "chat"}

	bus.Subscribe("chat", func(context.Context, domain.GatewayEvent) {})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
}

func BenchmarkEventBusPublishWildcard(b *testing.B) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	event := domain.GatewayEvent{Name: "chat"}

	for i := 0; i < 10; i++ {
		bus.Subscribe("chat", func(context.Context, domain.GatewayEvent) {})
		bus.SubscribeAll(func(context.Context, domain.GatewayEvent) {})
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
}
