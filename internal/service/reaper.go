package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/armazem-sao-joaquim/backoffice/config"
	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    ports.AdminSessionPruner // Required: admin session pruner
	Config  config.ReaperConfig      // Required: reaper configuration
	Clock   core.TimeProvider        // Optional: defaults to wall clock
	Logger  *slog.Logger             // Optional: structured logger
	Metrics *metrics.Recorder        // Optional: Prometheus recorder
}

// ReaperService deletes admin session records whose last activity is older
// than the configured retention.
type ReaperService struct {
	repo    ports.AdminSessionPruner
	config  config.ReaperConfig
	clock   core.TimeProvider
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("AdminSessionPruner is required")
	}
	if opts.Config.BatchSize < 1 {
		opts.Config.BatchSize = 1
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}

	clock := opts.Clock
	if clock == nil {
		clock = core.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"admin_session_max_age", opts.Config.AdminSessionMaxAge,
			"batch_size", opts.Config.BatchSize,
		)
	}

	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		clock:   clock,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Jitter spreads instances that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// RunOnce prunes stale admin sessions in batches until none remain and
// returns how many were deleted.
func (s *ReaperService) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.config.AdminSessionMaxAge)

	var total int64
	var err error
	for {
		var count int64
		count, err = s.repo.DeleteInactiveBefore(ctx, cutoff, s.config.BatchSize)
		total += count
		if err != nil || count < int64(s.config.BatchSize) {
			break
		}
		// Check context between batches
		if err = ctx.Err(); err != nil {
			break
		}
	}

	s.metrics.ObserveReaperPass(total, suppressContextCancellation(err), s.clock.Now())

	if err != nil {
		return total, fmt.Errorf("delete inactive admin sessions: %w", err)
	}
	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted inactive admin sessions",
			"count", total,
			"max_age", s.config.AdminSessionMaxAge,
		)
	}
	return total, nil
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
