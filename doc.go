// Package fedstream provides a real-time data layer for federated social
// platforms. It keeps a local view of posts, notifications and accounts in
// step with the live streaming endpoints of one or more instances.
//
// # Architecture
//
// Operations flow from the wire to the renderer in one direction:
//
//	┌─────────────────────────────────────┐
//	│     pool                            │  Shared WebSocket connections,
//	│     (acquire, release, reap)        │  reference counted per URL
//	└─────────────────────────────────────┘
//	           ↓ frames
//	┌─────────────────────────────────────┐
//	│     transport                       │  WebSocket, SSE or polling,
//	│     (connect, subscribe, reconnect) │  fallback and backoff
//	└─────────────────────────────────────┘
//	           ↓ streaming.Operation
//	┌─────────────────────────────────────┐
//	│     queue                           │  Deduplication, debounce,
//	│     (enqueue, flush)                │  priority ordering
//	└─────────────────────────────────────┘
//	           ↓ batches
//	┌─────────────────────────────────────┐
//	│     reconcile                       │  Entity cache, last-write-wins
//	│     (apply, conflicts)              │  edits, field conflicts
//	└─────────────────────────────────────┘
//	           ↓ applied operations
//	┌─────────────────────────────────────┐
//	│     datalayer callbacks, relay      │  Renderer hooks, NATS fan-out
//	└─────────────────────────────────────┘
//
// The datalayer package wires these stages together behind a single Client.
//
// # Packages
//
//   - streaming: operation model and frame parsing
//   - pool: shared WebSocket connection pool
//   - transport: protocol selection, reconnection and subscriptions
//   - queue: buffered, deduplicating operation queue
//   - reconcile: entity cache and edit reconciliation
//   - relay: publishes applied operations to NATS subjects
//   - natsclient: NATS connection with circuit breaker
//   - health, metric: health aggregation and Prometheus metrics
//   - config: layered JSON and YAML configuration
//   - datalayer: the assembled client
//
// # Binary
//
// cmd/fedstream runs the data layer as a daemon:
//
//	# Follow notifications and the public timeline
//	fedstream --config=fedstream.yaml --subscribe=user,public
//
//	# Validate configuration only
//	fedstream --config=fedstream.yaml --validate
package fedstream
