// Package sessionhandler implements the HTTP surface of the clone
// orchestration service: session lifecycle management for the operator UI,
// the callback endpoints the boot agents drive, certificate bundle retrieval
// for direct-mode participants, and a websocket event feed per session.
//
// # Callback ordering
//
// Within one session the agents must call source-ready before the first
// progress report, and progress before complete. Calls violating this order
// are rejected with 409 Conflict; they are never silently reordered.
//
// # Event feed
//
// GET /api/sessions/{session_id}/events upgrades to a websocket carrying
// JSON events of type ready, progress, completed, failed and cancelled.
// Progress events are rate-limited server-side; a client too slow to drain
// its feed is disconnected rather than ever backpressuring the orchestrator.
//
// # Client
//
// The Client type in this package is the agent-side counterpart used by the
// boot images:
//
//	client := sessionhandler.NewClient("http://boot-server:8080")
//	bundle, err := client.Certificate(sessionID, interfaces.RoleSource)
//	// serve with bundle.CertPEM/KeyPEM, validate the peer against bundle.CAPEM
package sessionhandler
