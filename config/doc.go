// Package config loads the fedstream daemon configuration.
//
// A Config bundles the settings of every component: the connection pool,
// the streaming transport, the operation queue, the entity cache, the
// optional NATS relay and the metrics endpoint. Files are JSON or YAML,
// chosen by extension, and durations are written as Go duration strings
// ("30s", "5m", "1d" is also accepted).
//
// # Layers
//
// A Loader starts from the component defaults and deep-merges each layer
// over them, so a layer only has to name what it changes:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/fedstream/base.yaml")
//	loader.AddLayer("/etc/fedstream/production.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Environment variables are applied after the layers:
//
//	FEDSTREAM_ACCESS_TOKEN   transport access token
//	FEDSTREAM_BASE_URL       instance base url
//	FEDSTREAM_PROTOCOL       websocket, sse or polling
//	FEDSTREAM_RELAY_URL      NATS url for the relay
//
// # Concurrent access
//
// SafeConfig guards a Config for readers running alongside updates. Get
// returns a deep copy, so callers may modify it freely.
package config
