// Package scripts provides the shared vocabulary for script-backed sensors.
//
// ksystemstats-scripts collects runtime metrics by delegating their discovery
// and value computation to independently executable scripts. Each script is a
// child process speaking a line-oriented, tab-separated request/reply protocol
// on its standard streams; the [session] package owns the per-script protocol
// engine, while this package defines the data model it produces.
//
// # Core Types
//
//   - [Container] — the host-facing sensor registry (one per plugin)
//   - [Object] — one script's group of sensors
//   - [Property] — a single sensor: metadata plus a live value
//   - [Unit], [MetricPrefix] — unit classification resolved from wire codes
//   - [VariantType] — declared value type used to coerce reply text
//
// # Quick Start
//
//	container := scripts.NewContainer("scripts", "Scripts")
//	registry := session.New(root, container)
//	if err := registry.ScanAndSync(); err != nil { log.Fatal(err) }
//	_ = registry.WaitInit(ctx)
//	registry.UpdateAll() // once per host update tick
//
// [session]: github.com/KerJoe/ksystemstats-scripts/session
package scripts
