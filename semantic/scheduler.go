package semantic

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/service/sentryutil"
)

const (
	scheduleInterval = 90 * time.Minute
	cooldown         = 10 * time.Minute
	lockKey          = "semantic-pipeline"
	lockTTL          = 30 * time.Minute
)

// Scheduler runs the pipeline on a timer and on demand. A distributed lock keeps
// the run single-flight across processes; a cooldown clock absorbs trigger storms,
// except when the serve path explicitly asks for priority.
type Scheduler struct {
	pipeline *Pipeline
	locker   *redislock.Client
	userDids []persist.DID

	triggers chan bool
	lastRun  time.Time
}

func NewScheduler(pipeline *Pipeline, locker *redislock.Client, userDids []persist.DID) *Scheduler {
	return &Scheduler{
		pipeline: pipeline,
		locker:   locker,
		userDids: userDids,
		triggers: make(chan bool, 1),
	}
}

// Trigger asks for a pipeline run. forcePriority bypasses the cooldown. Multiple
// pending triggers collapse into one; a priority trigger wins over a pending
// normal one.
func (s *Scheduler) Trigger(forcePriority bool) {
	select {
	case s.triggers <- forcePriority:
	default:
		if forcePriority {
			select {
			case <-s.triggers:
			default:
			}
			select {
			case s.triggers <- true:
			default:
			}
		}
	}
}

// Run drives the scheduler until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.pipeline.Bootstrap(ctx); err != nil {
		logger.For(ctx).Errorf("vector index bootstrap failed: %s", err)
		sentryutil.ReportError(ctx, err)
	}

	ticker := time.NewTicker(scheduleInterval)
	defer ticker.Stop()

	s.runAll(ctx, false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx, false)
		case forcePriority := <-s.triggers:
			s.runAll(ctx, forcePriority)
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context, forcePriority bool) {
	if !forcePriority && time.Since(s.lastRun) < cooldown {
		logger.For(ctx).Debug("semantic pipeline in cooldown, skipping")
		return
	}

	lock, err := s.locker.Obtain(ctx, lockKey, lockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			logger.For(ctx).Debug("semantic pipeline already running elsewhere")
			return
		}
		logger.For(ctx).Errorf("pipeline lock failed: %s", err)
		return
	}
	defer lock.Release(ctx)

	s.lastRun = time.Now()

	for _, userDid := range s.userDids {
		if ctx.Err() != nil {
			return
		}
		if err := s.pipeline.RunForUser(ctx, userDid); err != nil {
			logger.For(ctx).Errorf("semantic pipeline failed for %s: %s", userDid, err)
			sentryutil.ReportError(ctx, err)
		}
	}

	s.pipeline.GC(ctx, s.userDids)
}
