package edit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raine/roomedit/internal/apperr"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollMaxAttempts = 60
)

// PollConfig sets the polling cadence.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	// AttemptTimeout bounds a single status query. Defaults to Interval.
	AttemptTimeout time.Duration
}

// Timeout returns the longest time a poll can take: every attempt waits one
// interval and may then spend up to AttemptTimeout on its query.
func (c PollConfig) Timeout() time.Duration {
	return (c.Interval + c.AttemptTimeout) * time.Duration(c.MaxAttempts)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Poller queries a provider until a job reaches a terminal state or the
// attempt ceiling is reached.
type Poller struct {
	provider Provider
	cfg      PollConfig
	sleep    SleepFunc
}

// NewPoller creates a poller. Zero config fields fall back to the defaults.
func NewPoller(provider Provider, cfg PollConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPollMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = cfg.Interval
	}
	return &Poller{provider: provider, cfg: cfg, sleep: sleepContext}
}

// WithSleep replaces the sleep used between attempts.
func (p *Poller) WithSleep(sleep SleepFunc) *Poller {
	p.sleep = sleep
	return p
}

// Config returns the poller's cadence.
func (p *Poller) Config() PollConfig {
	return p.cfg
}

// Poll waits one interval before each status query. Query errors, including
// queries cut off by AttemptTimeout, are counted as attempts and otherwise
// ignored. It returns the Ready payload, or an
// apperr of kind ProviderFailed, TimedOut or Canceled.
func (p *Poller) Poll(ctx context.Context, jobID string) (string, error) {
	logger := log.With().Str("jobId", jobID).Logger()

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return "", apperr.Wrap(apperr.KindCanceled, err, "edit canceled while waiting for result")
		}

		status, err := p.status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return "", apperr.Wrap(apperr.KindCanceled, ctx.Err(), "edit canceled while waiting for result")
			}
			logger.Debug().Err(err).Int("attempt", attempt).Msg("status query failed, retrying")
			continue
		}

		switch status.State {
		case JobReady:
			if status.Payload == "" {
				return "", apperr.New(apperr.KindProviderFailed, "image generation returned no result")
			}
			logger.Info().Int("attempt", attempt).Msg("edit job ready")
			return status.Payload, nil
		case JobFailed:
			msg := "image generation failed"
			if status.Reason != "" {
				msg = fmt.Sprintf("image generation failed: %s", status.Reason)
			}
			logger.Warn().Int("attempt", attempt).Str("reason", status.Reason).Msg("edit job failed")
			return "", apperr.New(apperr.KindProviderFailed, msg)
		default:
			logger.Debug().Int("attempt", attempt).Msg("edit job pending")
		}
	}

	return "", apperr.New(apperr.KindTimedOut, "image generation timed out")
}

func (p *Poller) status(ctx context.Context, jobID string) (JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	return p.provider.Status(ctx, jobID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoSleep is a SleepFunc that only honours cancellation.
func NoSleep(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

