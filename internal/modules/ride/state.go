// README: Closed per-status view of a ride; only assigned variants carry the driver and price.
package ride

import (
	"errors"
	"fmt"
	"time"
)

// State is implemented only by the variants below.
type State interface {
	Status() Status
	state()
}

type Requested struct {
	RequestedAt time.Time
}

type Accepted struct {
	Assignment Assignment
}

type Arriving struct {
	Assignment Assignment
	ArrivedAt  time.Time
}

type Started struct {
	Assignment Assignment
	ArrivedAt  time.Time
	StartedAt  time.Time
}

type Completed struct {
	Assignment  Assignment
	StartedAt   time.Time
	CompletedAt time.Time
}

// Cancelled keeps the assignment when the ride was cancelled after acceptance.
type Cancelled struct {
	Assignment  *Assignment
	CancelledAt time.Time
	Reason      string
	By          ActorType
}

func (Requested) Status() Status { return StatusRequested }
func (Accepted) Status() Status  { return StatusAccepted }
func (Arriving) Status() Status  { return StatusArriving }
func (Started) Status() Status   { return StatusStarted }
func (Completed) Status() Status { return StatusCompleted }
func (Cancelled) Status() Status { return StatusCancelled }

func (Requested) state() {}
func (Accepted) state()  {}
func (Arriving) state()  {}
func (Started) state()   {}
func (Completed) state() {}
func (Cancelled) state() {}

var ErrCorrupt = errors.New("ride record violates its status invariants")

// State projects the flat record onto its status variant, failing when a
// field required by the status is missing or present where it must not be.
func (r *Ride) State() (State, error) {
	needAssignment := func() (Assignment, error) {
		if r.Assignment == nil {
			return Assignment{}, fmt.Errorf("%w: %s ride without driver", ErrCorrupt, r.Status)
		}
		return *r.Assignment, nil
	}
	need := func(name string, t *time.Time) (time.Time, error) {
		if t == nil {
			return time.Time{}, fmt.Errorf("%w: %s ride without %s", ErrCorrupt, r.Status, name)
		}
		return *t, nil
	}

	switch r.Status {
	case StatusRequested:
		if r.Assignment != nil {
			return nil, fmt.Errorf("%w: requested ride has a driver", ErrCorrupt)
		}
		return Requested{RequestedAt: r.RequestedAt}, nil
	case StatusAccepted:
		a, err := needAssignment()
		if err != nil {
			return nil, err
		}
		return Accepted{Assignment: a}, nil
	case StatusArriving:
		a, err := needAssignment()
		if err != nil {
			return nil, err
		}
		arrived, err := need("arrivedAt", r.ArrivedAt)
		if err != nil {
			return nil, err
		}
		return Arriving{Assignment: a, ArrivedAt: arrived}, nil
	case StatusStarted:
		a, err := needAssignment()
		if err != nil {
			return nil, err
		}
		arrived, err := need("arrivedAt", r.ArrivedAt)
		if err != nil {
			return nil, err
		}
		started, err := need("startedAt", r.StartedAt)
		if err != nil {
			return nil, err
		}
		return Started{Assignment: a, ArrivedAt: arrived, StartedAt: started}, nil
	case StatusCompleted:
		a, err := needAssignment()
		if err != nil {
			return nil, err
		}
		started, err := need("startedAt", r.StartedAt)
		if err != nil {
			return nil, err
		}
		done, err := need("completedAt", r.CompletedAt)
		if err != nil {
			return nil, err
		}
		return Completed{Assignment: a, StartedAt: started, CompletedAt: done}, nil
	case StatusCancelled:
		at, err := need("cancelledAt", r.CancelledAt)
		if err != nil {
			return nil, err
		}
		var a *Assignment
		if r.Assignment != nil {
			v := *r.Assignment
			a = &v
		}
		return Cancelled{Assignment: a, CancelledAt: at, Reason: r.CancelReason, By: r.CancelledBy}, nil
	}
	return nil, fmt.Errorf("%w: unknown status %q", ErrCorrupt, r.Status)
}

// AssignmentOf returns the driver assignment carried by s, if any.
func AssignmentOf(s State) (Assignment, bool) {
	switch v := s.(type) {
	case Accepted:
		return v.Assignment, true
	case Arriving:
		return v.Assignment, true
	case Started:
		return v.Assignment, true
	case Completed:
		return v.Assignment, true
	case Cancelled:
		if v.Assignment != nil {
			return *v.Assignment, true
		}
	}
	return Assignment{}, false
}
