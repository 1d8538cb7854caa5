package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/envalloc/envalloc/pkg/telemetry"
)

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s->%s\n", event.RequestID, event.FromState, event.ToState)
	}, telemetry.FilterByType(telemetry.EventTypeRequestTransition))

	now := time.Now()
	_ = tel.Events.PublishTransition("req-1", "submitted", "attempting", "", now)
	_ = tel.Events.PublishReservationReleased("req-1", "res-1", now)
	_ = tel.Events.PublishTransition("req-1", "attempting", "fulfilled", "", now)

	// Output:
	// req-1 submitted->attempting
	// req-1 attempting->fulfilled
}

// Example_instrumentedOperation demonstrates the StartOperation helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "reservation.reserve",
		telemetry.AttrRequestID.String("req-1"),
	)
	ic.Logger.Debug("Ranking candidates")
	ic.End(nil)

	fmt.Println("Operation instrumentation complete")
	// Output: Operation instrumentation complete
}

// Example_configValidation shows that an OTLP exporter needs a collector.
func Example_configValidation() {
	cfg := telemetry.DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	fmt.Println(cfg.Validate() != nil)

	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	fmt.Println(cfg.Validate() != nil)
	// Output:
	// true
	// false
}
