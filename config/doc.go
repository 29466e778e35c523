// Package config loads the cartographer configuration.
//
// A configuration is built in layers: built-in defaults, then each file
// added with AddLayer (JSON or YAML, chosen by extension), then
// CARTOGRAPHER_* environment variables. Later layers only override the keys
// they set. Durations may be written as strings ("30s", "2m", "1d").
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("cartographer.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// # Sections
//
//	proxy:    capture proxy listen/target addresses and result publishing
//	relay:    websocket relay server the proxy broadcasts to
//	viewer:   result source, renderer order, replace policy, history and queue
//	nats:     NATS connection used by the nats sink and source
//	metrics:  Prometheus endpoint
//	schema:   extra column type tokens
//
// # Environment Overrides
//
//	CARTOGRAPHER_PROXY_LISTEN, CARTOGRAPHER_PROXY_TARGET,
//	CARTOGRAPHER_PROXY_PUBLISH (comma separated), CARTOGRAPHER_RELAY_LISTEN,
//	CARTOGRAPHER_VIEWER_SOURCE, CARTOGRAPHER_VIEWER_URL,
//	CARTOGRAPHER_VIEWER_POLICY, CARTOGRAPHER_NATS_URLS (comma separated),
//	CARTOGRAPHER_NATS_SUBJECT, CARTOGRAPHER_NATS_TOKEN,
//	CARTOGRAPHER_METRICS_ENABLED, CARTOGRAPHER_METRICS_PORT
package config
