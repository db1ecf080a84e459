package coordinator

import "github.com/3cpo-dev/dim/internal/scheduler"

// Tick is delivered by the scheduler for one of the node timers.
type Tick struct {
	Timer string
}

func (t Tick) EventName() string { return "tick." + t.Timer }

var (
	tickRefresh     = Tick{Timer: scheduler.RefreshLock}
	tickHealth      = Tick{Timer: scheduler.Healthcheck}
	tickLeaderCheck = Tick{Timer: scheduler.LeaderCheck}
)
