// Package api implements dcmonitor's local HTTP server.
//
// Routes:
//   - GET  /health                        liveness plus component checks
//   - GET  /metrics                       Prometheus exposition
//   - GET  /api/v1/status                 runtime and per-monitor statistics (JSON)
//   - GET  /api/v1/events                 paged event log query
//   - POST|PUT /api/v1/webhook/{monitorID} HTTP transport callbacks
//   - POST|PUT /api/v1/webhook             callbacks of the only HTTP monitor
//   - GET  <websocket path>               live event feed
//
// # Live feed
//
// Clients connect to the websocket path and subscribe to channels:
//
//	{"type":"subscribe","id":"1","payload":{"channels":["push.event"]}}
//
// Channels may also be given up front with ?channels=push.event,push.state.
// "*" subscribes to every channel. Each event arrives as
//
//	{"type":"event","event_type":"push.event","timestamp":"...","payload":{...}}
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// The server binds only to the configured host; it has no authentication of
// its own apart from the per-monitor webhook token.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
