// Package api exposes a running engine over HTTP. It is a thin
// translation layer: requests bind to engine calls one to one, engine
// errors map to stable codes plus an HTTP status, and the event broker
// is bridged onto websockets for push consumers.
//
// # Architecture
//
// A single gin router fronts the engine. Non-2xx outcomes all flow
// through the same error envelope so clients switch on the stable code,
// never on message text:
//
//	GET  /healthz                      liveness probe
//	GET  /metrics                      prometheus exposition
//
//	POST   /v1/tasks                   submit
//	GET    /v1/tasks?status=           list, optional status filter
//	GET    /v1/tasks/:id               current task state
//	DELETE /v1/tasks/:id?reason=       cancel
//	GET    /v1/tasks/:id/records       retained execution attempts
//	GET    /v1/tasks/:id/history       archived attempts (bolt)
//
//	POST   /v1/dependencies            add typed edge
//	DELETE /v1/dependencies            remove edge
//	GET    /v1/sequence?algorithm=     plan an execution sequence
//
//	POST   /v1/snapshots               manual snapshot
//	GET    /v1/snapshots               metadata, newest first
//	POST   /v1/snapshots/:id/restore   restore
//	GET    /v1/snapshots/:id/verify    integrity check
//	POST   /v1/snapshots/:id/backup    copy to backup directory
//
//	GET    /v1/conflicts?pending=      sync conflicts
//	POST   /v1/conflicts/:id/resolve   manual resolution
//
//	GET    /v1/sessions                session records
//	GET    /v1/recommendations         optimizer output
//	POST   /v1/analyze                 run analysis now
//	GET    /v1/capabilities            registered executor keys
//	GET    /v1/stats                   queue counters + pool usage
//	GET    /v1/events/ws?types=        websocket event stream
//
// # Core Components
//
// Server: owns the router, the http.Server and the websocket upgrader.
// NewServer wires routes and middleware; Start blocks on the listener;
// Stop shuts the listener down and cancels stream goroutines, which
// http.Server.Shutdown cannot reach once a connection is hijacked.
//
// Error mapping: handlers never invent status codes. httpStatus maps
// the typed error's stable code (not-found families to 404, argument
// families to 400, state conflicts to 409, integrity to 422, closed or
// read-only to 503) and the envelope carries the code, the message and
// the cycle path when one exists.
//
// Event stream: each websocket client gets its own broker subscription
// filtered by the comma-separated types query parameter. Delivery
// inherits the broker's policy: a slow client loses the oldest
// non-critical events first and is disconnected if a frame write
// cannot finish inside wsWriteTimeout.
//
// Read-only mode: with Config.ReadOnly the /v1 group rejects mutating
// verbs with code read_only, so an instance can be pointed at by
// dashboards without accepting writes. Analyze stays available because
// it changes nothing.
//
// # Usage
//
//	eng, err := engine.New(cfg)
//	if err != nil {
//		return err
//	}
//	if err := eng.Start(); err != nil {
//		return err
//	}
//
//	srv := api.NewServer(eng, api.Config{Addr: ":8080"})
//	go func() {
//		if err := srv.Start(); err != nil {
//			log.Errorf("api: %v", err)
//		}
//	}()
//
//	// later
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	_ = srv.Stop(ctx)
//
// Streaming completions from a shell:
//
//	websocat "ws://localhost:8080/v1/events/ws?types=task-completed,task-failed"
//
// # Integration Points
//
//   - pkg/engine: every handler delegates to the engine facade
//   - pkg/events: websocket bridge consumes broker subscriptions
//   - pkg/metrics: request counters, duration histogram, /metrics
//   - pkg/types: DTOs reuse the canonical JSON shapes and error codes
//   - cmd/gantry: constructs and supervises the server in serve
package api
