// Package telemetry provides observability instrumentation for froyoctl.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value that
// is created at start-up and carried through the context.
//
// # Usage
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
// Loggers are derived per component and per host:
//
//	logger := telemetry.FromContext(ctx).NewComponentLogger("dispatcher")
//	logger.WithHost("web1").Info("session opened")
//
// Decrypted vault values must never be passed to a logger.
//
// # Metrics
//
// Metrics live on a private registry and are exposed through Handler. A
// disabled Metrics value is a no-op, so callers never check for nil
// collectors.
//
// # Tracing
//
// Spans cover a run, each host pipeline and each plugin load. The exporter
// is one of stdout, otlp (gRPC) or none.
package telemetry
