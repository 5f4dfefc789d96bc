package metrics

import "time"

const (
	// ShutdownTimeout bounds the metrics endpoint's graceful shutdown.
	ShutdownTimeout = 5 * time.Second
)
