package weightstore

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor periodically decays the cache so stale learned patterns lose
// influence and eventually disappear. One janitor per cache instance,
// created at startup and stopped at shutdown.
type Janitor struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewJanitor schedules DecayOnce on the given cron spec (e.g. "@hourly").
// maxAge is how long an entry may go unwritten before it is dropped.
func NewJanitor(cache *Cache, schedule string, maxAge time.Duration, logger *zap.Logger) (*Janitor, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		dropped, decayed := cache.DecayOnce(time.Now().Add(-maxAge))
		logger.Info("weight store decay cycle",
			zap.Int("dropped", dropped),
			zap.Int("decayed", decayed),
		)
	})
	if err != nil {
		return nil, err
	}
	return &Janitor{cron: c, logger: logger}, nil
}

// Start begins the schedule in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running cycle to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
