package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/sensorstore/internal/util/workerpool"
)

// restore brings back every sensor with a committed meta record so the
// uploader can resume before producers re-register. A sensor that fails to
// recover is skipped; the rest still load. Handles follow sensor id order.
func (s *StorageService) restore() error {
	keys, err := s.tier.Existing()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if limit := s.validator.MaxSensors(); len(keys) > limit {
		s.logger.Warn("More persisted sensors than max_sensors, ignoring the rest",
			zap.Int("persisted", len(keys)),
			zap.Int("max_sensors", limit))
		keys = keys[:limit]
	}

	start := time.Now()
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "recovery",
		MaxWorkers: s.cfg.Manager.RecoveryWorkers,
		Logger:     s.logger,
	})
	defer pool.Stop(s.cfg.Manager.ShutdownTimeout)

	loaded := make([]*sensorEntry, len(keys))
	tasks := make([]workerpool.Task, len(keys))
	for i, k := range keys {
		i, k := i, k
		tasks[i] = workerpool.Task{
			ID: fmt.Sprintf("sensor-%d", k.ID),
			Fn: func(ctx context.Context) error {
				e, err := s.loadSensor(k.ID, k.Type, k.Source)
				if err != nil {
					return err
				}
				loaded[i] = e
				return nil
			},
		}
	}
	if err := pool.RunAll(context.Background(), tasks); err != nil {
		s.logger.Warn("Some sensors could not be recovered", zap.Error(err))
	}

	s.mu.Lock()
	n := 0
	for _, e := range loaded {
		if e == nil {
			continue
		}
		s.register(e)
		n++
	}
	s.mu.Unlock()

	s.logger.Info("Recovered sensors from disk",
		zap.Int("sensors", n),
		zap.Int("failed", len(keys)-n),
		zap.Duration("duration", time.Since(start)))
	return nil
}
