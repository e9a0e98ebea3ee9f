package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). A full path shape at
	// v1.MaxPoints points fits comfortably.
	maxFrameBytes = 512 << 10 // 512 KiB

	// Max committed shapes per board; redo history is bounded by the same number.
	maxCommittedShapes = 50_000
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). Draw previews are frequent.
	rateLimitEvents = 600
	rateLimitWindow = 10 * time.Second
)
