// Package janitor purges refresh and activation tokens that can no longer be used.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"gestion.org/internal/auth"
	"gestion.org/internal/obs"
)

// Janitor removes tokens that expired, were revoked or were consumed longer
// than Retention ago.
type Janitor struct {
	store     auth.Store
	retention time.Duration
	log       logrus.FieldLogger
	now       func() time.Time
	cron      *cron.Cron
}

// New builds a Janitor. A non-positive retention purges everything already dead.
func New(store auth.Store, retention time.Duration, log logrus.FieldLogger) *Janitor {
	if log == nil {
		log = obs.Logger()
	}
	return &Janitor{
		store:     store,
		retention: retention,
		log:       log.WithField("component", "janitor"),
		now:       time.Now,
	}
}

// Run performs one purge pass.
func (j *Janitor) Run(ctx context.Context) (refresh, activation int64, err error) {
	cutoff := j.now().UTC()
	if j.retention > 0 {
		cutoff = cutoff.Add(-j.retention)
	}
	refresh, err = j.store.RefreshTokens(ctx).PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	obs.ObservePurge("refresh", refresh)
	activation, err = j.store.ActivationTokens(ctx).PurgeBefore(ctx, cutoff)
	if err != nil {
		return refresh, 0, err
	}
	obs.ObservePurge("activation", activation)
	return refresh, activation, nil
}

// Start schedules Run on spec (standard cron syntax or descriptors such as "@every 1h").
func (j *Janitor) Start(spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		refresh, activation, err := j.Run(ctx)
		if err != nil {
			j.log.WithError(err).Error("token purge failed")
			return
		}
		j.log.WithFields(logrus.Fields{
			"refresh":    refresh,
			"activation": activation,
		}).Info("token purge completed")
	})
	if err != nil {
		return err
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running pass to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
