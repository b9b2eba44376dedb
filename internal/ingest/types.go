package ingest

import "time"

// WorkerState is a stream's ingestion lifecycle stage, per spec §4.1:
//
//	Idle -> Connecting -> Running -> Reconnecting -> Stopped
//
// with any state able to fall straight through to Stopped on an explicit
// stop or an unrecoverable configuration error.
type WorkerState string

const (
	StateIdle         WorkerState = "idle"
	StateConnecting   WorkerState = "connecting"
	StateRunning      WorkerState = "running"
	StateReconnecting WorkerState = "reconnecting"
	StateStopped      WorkerState = "stopped"
)

// WorkerInfo is one list_workers() row (spec §4.1's public contract).
type WorkerInfo struct {
	Name      string
	State     WorkerState
	LastError string
	Uptime    time.Duration
	PacketsIn uint64
	BytesIn   uint64
}

// streamEvent is the payload shape for stream.degraded/recovered/stopped.
type streamEvent struct {
	Stream string `json:"stream"`
}

// degradedEvent adds the consecutive-failure count to streamEvent for
// stream.degraded, per spec §4.1's "10 consecutive reconnect attempts
// fail" trigger.
type degradedEvent struct {
	Stream              string `json:"stream"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// motionEventPayload is the payload shape for motion.started/motion.ended.
type motionEventPayload struct {
	Stream  string `json:"stream"`
	EventID string `json:"event_id"`
	Source  string `json:"source,omitempty"`
}
