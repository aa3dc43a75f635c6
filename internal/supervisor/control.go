package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/botfleet/internal/controlplane"
	"github.com/loykin/botfleet/internal/tenant"
)

// ErrNotRunning is returned when a control message targets a tenant without a worker.
var ErrNotRunning = errors.New("tenant worker not running")

// Messenger delivers control messages by process name. *controlplane.Hub
// implements it.
type Messenger interface {
	Send(ctx context.Context, processName string, req controlplane.Request) (controlplane.Result, error)
	Forget(processName string)
}

// SendControlMessage relays req to the tenant's worker. A reply that does
// not arrive in time is an OutcomePending result, not an error. Workers that
// are restarting still receive the message once they reconnect.
//
// The call does not take the tenant's lifecycle lock, so it never waits on a
// concurrent Start or Stop.
func (s *Supervisor) SendControlMessage(ctx context.Context, tenantID string, req controlplane.Request) (controlplane.Result, error) {
	if s.msgr == nil {
		return controlplane.Result{}, fmt.Errorf("%w: no control plane", ErrSupervisorUnavailable)
	}
	if _, err := s.st.Get(ctx, tenantID); errors.Is(err, tenant.ErrNotFound) {
		return controlplane.Result{}, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	} else if err != nil {
		return controlplane.Result{}, err
	}
	h, err := s.describe(ctx, tenantID)
	if err != nil {
		return controlplane.Result{}, err
	}
	if h == nil || h.Status == StatusStopped || h.Status == StatusErrored {
		return controlplane.Result{}, fmt.Errorf("%w: %s", ErrNotRunning, tenantID)
	}
	res, err := s.msgr.Send(ctx, h.Name, req)
	if err != nil {
		return res, err
	}
	s.log.Debug("control message", "tenant", tenantID, "action", req.Action(), "request_id", res.RequestID, "outcome", res.Outcome)
	return res, nil
}

var _ Messenger = (*controlplane.Hub)(nil)
