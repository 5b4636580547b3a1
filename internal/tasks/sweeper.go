package tasks

import (
	"fmt"
	"log/slog"

	cron "github.com/netresearch/go-cron"
)

// DefaultPruneSchedule runs the sweeper every 30 seconds.
const DefaultPruneSchedule = "@every 30s"

// Sweeper periodically prunes terminal tasks from a registry.
type Sweeper struct {
	cron     *cron.Cron
	registry *Registry
}

// NewSweeper schedules registry pruning. schedule accepts standard cron
// expressions and descriptors such as "@every 1m".
func NewSweeper(registry *Registry, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	s := &Sweeper{
		cron:     cron.New(),
		registry: registry,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("schedule prune %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	if n := s.registry.Prune(); n > 0 {
		slog.Debug("pruned terminal tasks", "count", n)
	}
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
