package trackingserver

import (
	"time"

	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

// ReapStaleRuns marks runs that have been RUNNING for longer than the stale
// threshold as KILLED and returns how many it changed
func (s *Server) ReapStaleRuns() (int, error) {
	runs, err := s.store.ListRunsByStatus(models.RunStatusRunning)
	if err != nil {
		return 0, err
	}

	now := s.now()
	cutoff := now.Add(-s.staleAfter).UnixMilli()
	reaped := 0
	for _, run := range runs {
		if run.Info.StartTime > cutoff {
			continue
		}
		if _, err := s.store.UpdateRun(run.Info.RunID, models.RunStatusKilled, now.UnixMilli(), ""); err != nil {
			return reaped, err
		}
		reaped++
		s.metrics.runsReaped.Inc()
		s.log.Info("killed stale run",
			zap.String("run_id", run.Info.RunID),
			zap.Duration("age", now.Sub(time.UnixMilli(run.Info.StartTime))))
	}
	return reaped, nil
}

func (s *Server) reapJob() {
	n, err := s.ReapStaleRuns()
	if err != nil {
		s.log.Error("stale run reaper failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("stale run reaper finished", zap.Int("killed", n))
	}
}
