// Package flowscope is a live telemetry funnel for dashboard workloads.
//
// # Data path
//
// Raw records arrive from a broker feed (NATS, WebSocket, MQTT or Kafka),
// pass through normalization into canonical series points, and merge into
// a last-writer-wins live store keyed by timestamp. Each merge re-projects
// every configured chart slot: filtering, optional time bucketing,
// decimation, and a chart-shaped projection emitted to a sink.
//
//	feed -> telemetry.Normalize -> seriesstore.Merge -> projection.Project -> sink
//
// # Layout
//
//   - telemetry: raw record normalization, absent-capable samples
//   - seriesstore: merged live series, idempotent last-writer-wins
//   - aggregate: time bucketing and per-field averaging
//   - projection: filters, decimation, chart projections, summaries
//   - render: chart engine handle lifecycle (Active -> Retired)
//   - funnel: the orchestrator tying the pipeline together
//   - feed, querystore: live transports and the relational fallback
//
// Supporting packages: config, errors, metric, pkg/timestamp.
//
// The module carries no drawing code and no HTTP API; it produces
// projections for a display layer to consume.
package flowscope
