package pipeline

import (
	"time"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// Recorder receives execution events for metrics.
type Recorder interface {
	OutputMerged(success bool, costUSD float64, d time.Duration)
	InFlight(delta int)
	FlushFailed(final bool)
	RunFinished(status model.InstanceStatus, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) OutputMerged(bool, float64, time.Duration)       {}
func (nopRecorder) InFlight(int)                                    {}
func (nopRecorder) FlushFailed(bool)                                {}
func (nopRecorder) RunFinished(model.InstanceStatus, time.Duration) {}
