package rangecleanup

import (
	"context"
	"sync/atomic"

	"github.com/range-sharding/chunkmover/pkg/movlog"
)

const (
	// pending status indicates the notification is not resolved
	// resolving status marks the transition, used to prevent data race
	// resolved status indicates the outcome is readable

	pending int32 = iota
	resolving
	resolved
)

// CleanupNotification reports completion of one submitted range deletion.
// A caller that needs the outcome blocks on Wait; a caller that does not
// calls Abandon and the deletion keeps running on its own.
type CleanupNotification struct {
	status  int32
	readyCh chan struct{}

	err error
}

func NewCleanupNotification() *CleanupNotification {
	return &CleanupNotification{
		status:  pending,
		readyCh: make(chan struct{}),
	}
}

// Resolve completes the notification. Resolving twice is a bug.
func (n *CleanupNotification) Resolve(err error) {
	// cannot directly set status to `resolved`, to prevent data race in case
	// multiple `Wait` occurs
	if !atomic.CompareAndSwapInt32(&n.status, pending, resolving) {
		panic("cleanup notification has already been resolved")
	}

	n.err = err
	atomic.CompareAndSwapInt32(&n.status, resolving, resolved)
	close(n.readyCh)
}

func (n *CleanupNotification) Wait(ctx context.Context) error {
	if n.Ready() {
		return n.err
	}

	select {
	case <-n.readyCh:
		return n.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *CleanupNotification) Ready() bool {
	return atomic.LoadInt32(&n.status) == resolved
}

// Abandon drops interest in the outcome. A failure of the abandoned
// deletion is still logged when it eventually resolves.
func (n *CleanupNotification) Abandon() {
	go func() {
		<-n.readyCh
		if n.err != nil {
			movlog.Zero.Warn().Err(n.err).Msg("rangecleanup: abandoned range deletion failed")
		}
	}()
}
