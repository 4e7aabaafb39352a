package depot

import (
	"github.com/buildbarn/vdo-depot/pkg/vdo/workqueue"
)

// ZoneAction is one step of a depot-wide administrative action,
// invoked once per zone on that zone's own work queue.
type ZoneAction func(zone int) error

// ActionManager sequences a depot-wide administrative action (load,
// drain, resume, save, flush, release-tail-locks, grow) as zone
// actions fanned out to every allocator and joined on completion.
// Rather than modelling this as inheritance over "initiator" types,
// the action is a single ZoneAction function:
// Run schedules the action on zone 0's queue, which performs its work
// and chains a continuation onto zone 1's queue, and so on.
type ActionManager struct {
	queues []*workqueue.Queue
}

// NewActionManager creates an ActionManager fanning out across the
// given per-zone work queues, in zone-number order.
func NewActionManager(queues []*workqueue.Queue) *ActionManager {
	return &ActionManager{queues: queues}
}

// Run dispatches action to every zone in increasing zone-number order
// and returns a completion that fires once every zone has run the
// action. A zone's error is recorded as the (first-wins) worst error
// but never aborts the remaining zones, so admin sequences like drain
// and resume always reach a terminal state.
func (m *ActionManager) Run(action ZoneAction) *workqueue.Completion[error] {
	completion := workqueue.NewCompletion[error]()
	m.runZone(action, 0, nil, completion)
	return completion
}

func (m *ActionManager) runZone(action ZoneAction, zone int, worst error, completion *workqueue.Completion[error]) {
	if zone >= len(m.queues) {
		completion.Complete(worst)
		return
	}
	m.queues[zone].Enqueue(func() {
		if err := action(zone); err != nil && worst == nil {
			worst = err
		}
		m.runZone(action, zone+1, worst, completion)
	})
}

// ZoneCount reports how many zones this manager fans out across.
func (m *ActionManager) ZoneCount() int {
	return len(m.queues)
}
