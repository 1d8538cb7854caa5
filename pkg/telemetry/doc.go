// Package telemetry provides observability instrumentation for the allocation
// service.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and a lifecycle event publisher.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("supervisor")
//	logger.WithRequestID(id).Info("Request fulfilled")
//
// # Tracing
//
// StartOperation opens a span and a matching logger for one operation:
//
//	ic := telemetry.StartOperation(ctx, "reservation.reserve",
//	    telemetry.AttrRequestID.String(id))
//	defer func() { ic.End(err) }()
//
// # Metrics
//
// Metrics live in a private registry served by Metrics.Handler. Every Record
// method is safe to call on a nil or disabled *Metrics.
//
// # Events
//
// Request transitions, releases and sweeps are published as Events. The audit
// store subscribes to them to keep the transition history of each request.
package telemetry
