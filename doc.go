// Package cartographer captures Postgres query results and charts them in
// the terminal.
//
// # Architecture
//
// Two processes cooperate through a result stream:
//
//	┌──────────┐  pg wire  ┌─────────────┐  pg wire  ┌──────────┐
//	│  client  ├──────────►│   capture   ├──────────►│ postgres │
//	│  (psql)  │◄──────────┤    proxy    │◄──────────┤          │
//	└──────────┘           └──────┬──────┘           └──────────┘
//	                              │ result messages (JSON)
//	              ┌───────────────┼───────────────┐
//	              ↓               ↓               ↓
//	        relay (websocket)   NATS subject     log
//	              │               │
//	              └───────┬───────┘
//	                      ↓
//	┌───────────────────────────────────────────────────────┐
//	│ viewer                                                │
//	│  transport → intake adapter → result store            │
//	│                                  ↓ selection          │
//	│                 renderer registry → chart engine      │
//	│                                  ↓                    │
//	│                               surface (terminal)      │
//	└───────────────────────────────────────────────────────┘
//
// Everything on the viewer side runs on a single event loop (pkg/loop), so
// the store, the engine and the renderers never see concurrent calls.
//
// # Packages
//
// Result pipeline:
//   - result: QueryResult, the wire decoder and the Result Store
//   - schema: column type tokens and the predicates renderers accept on
//   - renderer: the Renderer contract, the registry and surfaces
//   - renderer/line, renderer/bar, renderer/table: built-in renderers
//   - rendererregistry: registration of the built-ins in priority order
//   - chart: the Chart Selection Engine
//   - intake: the Intake Adapter and the Transport contract
//   - intake/websocket, intake/nats: transports
//   - viewer: wiring of the pipeline, plus a command console
//
// Capture side:
//   - capture: the Postgres wire proxy and result sinks
//   - relay: websocket fan-out of captured results
//
// Infrastructure:
//   - config: layered JSON/YAML configuration with env overrides
//   - errors: classified errors (transient, invalid, fatal)
//   - metric: Prometheus registry and endpoint
//   - natsclient: NATS connection management
//   - pkg/buffer, pkg/loop, pkg/retry: ring buffer, event loop, backoff
//
// # Binary
//
//	# capture queries between psql and a local server, relay on :8080
//	cartographer proxy --listen localhost:5433 --target localhost:5432
//
//	# chart them
//	cartographer view --url ws://localhost:8080/connect
//
// Integration tests that need a NATS server use testcontainers and run only
// with INTEGRATION_TESTS=1.
package cartographer
