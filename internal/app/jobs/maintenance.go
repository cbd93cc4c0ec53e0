package jobs

import (
	"context"
	"time"

	"github.com/labcv/labcv/internal/logging"
)

// Job names registered by Maintenance.
const (
	JobExpirePayments = "expire-payments"
	JobSweepAccess    = "sweep-access"
	JobLimiterCleanup = "limiter-cleanup"
)

// PaymentExpirer expires PENDING payments past their deadline.
type PaymentExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// AccessSweeper logs download grants that expired within a window.
type AccessSweeper interface {
	Sweep(ctx context.Context, window time.Duration) (int, error)
}

// LimiterCleaner forgets idle rate limiter keys.
type LimiterCleaner interface {
	Cleanup(idle time.Duration) int
}

// Deps are the maintenance targets. Nil members are skipped.
type Deps struct {
	Payments PaymentExpirer
	Access   AccessSweeper
	Limiters []LimiterCleaner
}

// Maintenance returns the standard job set.
func Maintenance(d Deps, log *logging.Logger) []Job {
	if log == nil {
		log = logging.NewDefault("jobs")
	}
	var out []Job
	if d.Payments != nil {
		out = append(out, Job{
			Name:     JobExpirePayments,
			Schedule: "@every 1m",
			Run: func(ctx context.Context) error {
				n, err := d.Payments.ExpireStale(ctx)
				if n > 0 {
					log.WithField("count", n).Info("expired stale payments")
				}
				return err
			},
		})
	}
	if d.Access != nil {
		out = append(out, Job{
			Name:     JobSweepAccess,
			Schedule: "@every 1h",
			Run: func(ctx context.Context) error {
				_, err := d.Access.Sweep(ctx, time.Hour)
				return err
			},
		})
	}
	if len(d.Limiters) > 0 {
		out = append(out, Job{
			Name:     JobLimiterCleanup,
			Schedule: "@every 10m",
			Run: func(context.Context) error {
				removed := 0
				for _, l := range d.Limiters {
					removed += l.Cleanup(30 * time.Minute)
				}
				if removed > 0 {
					log.WithField("removed", removed).Debug("rate limiter keys cleaned")
				}
				return nil
			},
		})
	}
	return out
}

// Register adds jobs to s.
func Register(s *Scheduler, jobs []Job) error {
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}
