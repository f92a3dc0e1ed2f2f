package scheduling

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dentacare/scheduling-engine/internal/events"
	"github.com/dentacare/scheduling-engine/internal/metrics"
)

// compensateTimeout bounds the requeue/escalate/drop writes that restore a
// claimed entry after its pass failed or was cancelled.
const compensateTimeout = 5 * time.Second

type MatcherConfig struct {
	LookaheadDays int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	MatchTimeout  time.Duration // per-entry budget; a timeout counts as a failed attempt
	ReclaimAfter  time.Duration // matching entries claimed longer ago return to queued
	PollInterval  time.Duration
	Workers       int // bounded concurrency across entries
	BatchSize     int
}

// Matcher drains the reschedule queue: it claims the highest-priority due
// entry, resolves availability over the look-ahead window and commits the
// earliest fitting slot through the booking service. Failures requeue with
// exponential backoff until the entry escalates to staff.
type Matcher struct {
	repo    Repository
	booking *Service
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     MatcherConfig

	now func() time.Time
}

func NewMatcher(repo Repository, booking *Service, m *metrics.Metrics, log *zap.Logger, cfg MatcherConfig) *Matcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 32
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 4 * cfg.MatchTimeout
		if cfg.ReclaimAfter <= 0 {
			cfg.ReclaimAfter = time.Minute
		}
	}
	return &Matcher{
		repo:    repo,
		booking: booking,
		metrics: m,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run polls until ctx is cancelled. One pass runs immediately on startup.
func (m *Matcher) Run(ctx context.Context) {
	m.RunOnce(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("matcher stopping")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce processes every currently due entry. Entries for different
// doctors/units proceed in parallel up to the worker bound; the per-entry
// claim CAS keeps concurrent matcher processes from doubling up.
func (m *Matcher) RunOnce(ctx context.Context) {
	now := m.now().UTC()

	// Entries stuck in matching since before the reclaim cutoff belong to a
	// matcher that died mid-match; put them back in rotation first so this
	// pass can pick them up.
	if n, err := m.repo.ReclaimStaleEntries(ctx, now.Add(-m.cfg.ReclaimAfter)); err != nil {
		m.log.Error("reclaim stale matching entries", zap.Error(err))
	} else if n > 0 {
		m.log.Warn("reclaimed stale matching entries", zap.Int64("count", n))
	}

	if m.metrics != nil {
		if depth, err := m.repo.CountQueuedEntries(ctx); err == nil {
			m.metrics.QueueDepth.Set(float64(depth))
		}
	}

	due, err := m.repo.DueQueueEntries(ctx, now, m.cfg.BatchSize)
	if err != nil {
		m.log.Error("select due queue entries", zap.Error(err))
		return
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.Workers)

	for _, entry := range due {
		claimed, err := m.repo.UpdateQueueEntryState(ctx, entry.ID, EntryQueued, EntryMatching)
		if err != nil {
			if !errors.Is(err, ErrQueueEntryNotFound) {
				m.log.Error("claim queue entry", zap.String("entry_id", entry.ID.String()), zap.Error(err))
			}
			continue
		}

		e := *claimed
		g.Go(func() error {
			m.processEntry(ctx, e)
			return nil
		})
	}

	_ = g.Wait()
}

func (m *Matcher) processEntry(ctx context.Context, entry RescheduleQueueEntry) {
	matchCtx, cancel := context.WithTimeout(ctx, m.cfg.MatchTimeout)
	defer cancel()

	appt, err := m.repo.GetAppointmentByID(matchCtx, entry.AppointmentID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			m.dropEntry(ctx, entry)
			return
		}
		m.retryLater(ctx, entry, nil)
		return
	}
	if appt.Status != StatusPendingReschedule {
		// Resolved out of band (staff modify or cancel).
		m.dropEntry(ctx, entry)
		return
	}

	slot, err := m.findSlot(matchCtx, appt)
	if err != nil {
		if errors.Is(err, ErrMatchExhausted) {
			m.log.Info("no slot within look-ahead window",
				zap.String("entry_id", entry.ID.String()),
				zap.String("appointment_id", appt.ID.String()),
			)
		} else {
			m.log.Warn("slot search failed",
				zap.String("entry_id", entry.ID.String()),
				zap.Error(err),
			)
		}
		m.retryLater(ctx, entry, appt)
		return
	}

	if _, err := m.booking.Rebook(matchCtx, appt.ID, slot); err != nil {
		// Conflict here is a race loss: the slot went away between resolve
		// and commit. Busy and timeouts count the same way.
		m.log.Info("rebook attempt failed",
			zap.String("entry_id", entry.ID.String()),
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err),
		)
		m.retryLater(ctx, entry, appt)
		return
	}

	// Rebook removed the entry and emitted the event.
	m.countMatch("rebooked")
	m.log.Info("appointment rebooked",
		zap.String("appointment_id", appt.ID.String()),
		zap.Time("start", slot.Start),
		zap.Time("end", slot.End),
	)
}

// findSlot walks the look-ahead window day by day and returns the earliest
// open slot matching the appointment's duration, or ErrMatchExhausted when
// the whole window comes up empty.
func (m *Matcher) findSlot(ctx context.Context, appt *Appointment) (Interval, error) {
	now := m.now()
	duration := appt.Duration()

	for day := 0; day <= m.cfg.LookaheadDays; day++ {
		date := now.AddDate(0, 0, day)

		windows, err := m.booking.AvailableWindows(ctx, appt.DoctorID, appt.UnitID, date)
		if err != nil {
			return Interval{}, err
		}

		if slot, ok := FirstFit(clipPast(windows, now), duration); ok {
			return slot, nil
		}
	}
	return Interval{}, ErrMatchExhausted
}

// clipPast trims windows so no proposed slot starts in the past.
func clipPast(windows []Interval, now time.Time) []Interval {
	out := windows[:0]
	for _, w := range windows {
		if !w.End.After(now) {
			continue
		}
		if w.Start.Before(now) {
			w.Start = now
		}
		out = append(out, w)
	}
	return out
}

func (m *Matcher) retryLater(ctx context.Context, entry RescheduleQueueEntry, appt *Appointment) {
	// The claim moved the entry to matching; the compensating write has to
	// land even when the pass is cancelled mid-flight (SIGTERM), or the
	// entry sits there until the stale reclaim finds it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	attempts := entry.Attempts + 1

	if attempts >= m.cfg.MaxAttempts {
		if err := m.repo.EscalateEntry(ctx, entry.ID, attempts); err != nil {
			m.log.Error("escalate queue entry", zap.String("entry_id", entry.ID.String()), zap.Error(err))
			return
		}
		m.countMatch("escalated")
		m.log.Warn("queue entry escalated",
			zap.String("entry_id", entry.ID.String()),
			zap.String("appointment_id", entry.AppointmentID.String()),
			zap.Int("attempts", attempts),
		)
		if appt == nil {
			// The earlier fetch failed; staff still have to hear about the
			// escalation, so try again and fall back to the entry's data.
			if got, err := m.repo.GetAppointmentByID(ctx, entry.AppointmentID); err == nil {
				appt = got
			} else {
				appt = &Appointment{ID: entry.AppointmentID}
			}
		}
		m.booking.emit(ctx, events.TypeEscalationRequired, appt, map[string]any{
			"reason":   string(entry.Reason),
			"attempts": attempts,
		})
		return
	}

	nextRetry := m.now().UTC().Add(m.backoff(attempts))
	if err := m.repo.RequeueEntry(ctx, entry.ID, attempts, nextRetry); err != nil {
		m.log.Error("requeue entry", zap.String("entry_id", entry.ID.String()), zap.Error(err))
		return
	}
	m.countMatch("requeued")
}

func (m *Matcher) dropEntry(ctx context.Context, entry RescheduleQueueEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if err := m.repo.DeleteQueueEntry(ctx, entry.ID); err != nil && !errors.Is(err, ErrQueueEntryNotFound) {
		m.log.Error("drop stale queue entry", zap.String("entry_id", entry.ID.String()), zap.Error(err))
	}
}

// backoff grows exponentially with the attempt count, capped, with ±20%
// jitter so a bulk invalidation (a doctor cancelling a whole day) does not
// re-match in lockstep.
func (m *Matcher) backoff(attempt int) time.Duration {
	delay := m.cfg.BackoffBase
	for i := 1; i < attempt && delay < m.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > m.cfg.BackoffMax {
		delay = m.cfg.BackoffMax
	}

	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (m *Matcher) countMatch(result string) {
	if m.metrics != nil {
		m.metrics.MatchAttemptsTotal.WithLabelValues(result).Inc()
	}
}
