package encoder

import (
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// StreamState is a snapshot of one supervised stream, safe to hand out
// to the router, watchdog, and status endpoints.
type StreamState struct {
	ID             string
	Status         model.StreamStatus
	StartedAt      time.Time
	RetryCount     int
	LastError      string
	OutputURLs     []string
	DestinationIDs []int
	PID            int
}

// DiedCallback is invoked when the monitor observes the child process
// exit. At most one callback may be registered per stream id, and the
// supervisor guarantees it fires at most once per observed exit.
type DiedCallback func(streamID, errMsg string)

// StatusHook receives every stream status transition. The engine wires
// it to the persistence writeback and the MQTT publisher.
type StatusHook func(streamID string, status model.StreamStatus, lastError string)
