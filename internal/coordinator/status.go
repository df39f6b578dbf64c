package coordinator

import (
	"time"

	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

// ModeReporter is satisfied by *intercept.Interceptor.
type ModeReporter interface {
	Status() intercept.Status
}

// QueueReporter is satisfied by *queue.Queue.
type QueueReporter interface {
	Depth() queue.Depth
	BlockedOrigins() []string
}

// ServiceStatus is the combined view served by GET /status and
// `system status`.
type ServiceStatus struct {
	Mode            intercept.Mode `json:"mode"`
	Blocked         bool           `json:"blocked"`
	Pending         int            `json:"pending"`
	HandlerAttached bool           `json:"handler_attached"`
	QueueDepth      queue.Depth    `json:"queue_depth"`
	BlockedOrigins  []string       `json:"blocked_origins"`
	Timestamp       time.Time      `json:"timestamp"`
}

// StatusOf reads both components without side effects.
func StatusOf(ic ModeReporter, q QueueReporter) ServiceStatus {
	st := ic.Status()
	return ServiceStatus{
		Mode:            st.Mode,
		Blocked:         st.Blocked,
		Pending:         st.Pending,
		HandlerAttached: st.HandlerAttached,
		QueueDepth:      q.Depth(),
		BlockedOrigins:  q.BlockedOrigins(),
		Timestamp:       st.Timestamp,
	}
}
