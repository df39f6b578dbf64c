package coordinator

import (
	"context"

	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks github.com/mattjoyce/pixeldispatch/internal/coordinator TaskAdmitter,Resumer

// TaskAdmitter admits classified executions into the task queue.
type TaskAdmitter interface {
	AddTask(ctx context.Context, req queue.AddRequest) (string, error)
}

// Resumer releases a blocked guarded call.
type Resumer interface {
	Resume(id string, result any) bool
}
