package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/finvault/notifier/internal/telemetry"
)

// DigestSender assembles queued entries into one summary email.
// Satisfied by EmailSender.
type DigestSender interface {
	SendDigest(ctx context.Context, email, subject string, entries []DigestEntry) Outcome
}

// DigestEngine fires once per clock hour, walks every digest-enabled
// user, and flushes the lists whose schedule matches the user's local
// hour. Queued records flip to delivered only after the summary email
// reports sent; a failed send leaves everything in place for the next
// cycle.
type DigestEngine struct {
	config Config
	queue  DigestQueue
	hist   HistoryStore
	prefs  PreferencesStore
	email  DigestSender

	mu        sync.Mutex
	lastFired time.Time // hour boundary of the last completed cycle
}

// NewDigestEngine creates the digest engine.
func NewDigestEngine(config Config, queue DigestQueue, hist HistoryStore, prefs PreferencesStore, email DigestSender) *DigestEngine {
	return &DigestEngine{
		config: config,
		queue:  queue,
		hist:   hist,
		prefs:  prefs,
		email:  email,
	}
}

// lateFireGrace bounds how far past the hour boundary a cycle may
// still fire. Waking later than this (a long GC pause, a redeploy)
// skips the hour instead of sending digests at odd times.
const lateFireGrace = 5 * time.Minute

// Run checks the clock on a short interval until the context is
// cancelled.
func (e *DigestEngine) Run(ctx context.Context) error {
	log := telemetry.LogFromContext(ctx)
	if !e.config.DigestEnabled {
		log.Info("digest engine disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	log.WithField("interval", e.config.DigestCheckInterval).Info("digest engine started")

	ticker := time.NewTicker(e.config.DigestCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("digest engine stopped")
			return ctx.Err()
		case now := <-ticker.C:
			if hour, ok := e.shouldFire(now); ok {
				if err := e.cycle(ctx, hour); err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).Error("digest cycle failed")
					sentry.CaptureException(err)
				}
			}
		}
	}
}

// shouldFire reports whether a cycle is due for the current hour and
// marks it consumed. Each hour fires at most once per process.
func (e *DigestEngine) shouldFire(now time.Time) (time.Time, bool) {
	hour := now.Truncate(time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !hour.After(e.lastFired) {
		return time.Time{}, false
	}
	e.lastFired = hour
	if now.Sub(hour) > lateFireGrace {
		return time.Time{}, false
	}
	return hour, true
}

// cycle flushes every user whose digest schedule matches this hour.
func (e *DigestEngine) cycle(ctx context.Context, hour time.Time) error {
	users, err := e.prefs.DigestUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate digest users: %w", err)
	}

	log := telemetry.LogFromContext(ctx)
	log.WithFields(logrus.Fields{
		"hour":  hour.Format(time.RFC3339),
		"users": len(users),
	}).Debug("digest cycle started")

	for _, userID := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		prefs, err := e.prefs.GetOrCreate(ctx, userID)
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("preferences unavailable, digest skipped")
			continue
		}
		if !prefs.Digest.Enabled {
			continue
		}
		if !digestDue(prefs, hour) {
			continue
		}

		e.flush(ctx, prefs)
	}
	return nil
}

// digestDue reports whether the user's configured frequency fires at
// this hour boundary, evaluated in the user's timezone. Weekly digests
// go out on Monday.
func digestDue(prefs *UserPreferences, hour time.Time) bool {
	loc, err := time.LoadLocation(prefs.QuietHours.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := hour.In(loc)

	switch prefs.Digest.Frequency {
	case DigestHourly:
		return true
	case DigestDaily:
		return local.Hour() == prefs.Digest.Hour
	case DigestWeekly:
		return local.Weekday() == time.Monday && local.Hour() == prefs.Digest.Hour
	default:
		return false
	}
}

// flush drains one user's queue into a summary email.
func (e *DigestEngine) flush(ctx context.Context, prefs *UserPreferences) {
	log := telemetry.LogFromContext(ctx).WithFields(logrus.Fields{
		"user_id":   prefs.UserID,
		"frequency": prefs.Digest.Frequency,
	})

	entries, err := e.queue.Entries(ctx, prefs.UserID, prefs.Digest.Frequency)
	if err != nil {
		log.WithError(err).Warn("failed to read digest queue")
		return
	}
	if len(entries) == 0 {
		return
	}

	if !prefs.EmailVerified() {
		// The queue stays put; entries age out via their TTL.
		log.Debug("no verified email, digest left queued")
		return
	}

	subject := digestSubject(len(entries))
	outcome := e.email.SendDigest(ctx, prefs.Email, subject, entries)
	if outcome.Status != StatusSent && outcome.Status != StatusDelivered {
		log.WithError(outcome.Err).WithField("error_code", outcome.ErrorCode).
			Warn("digest email failed, queue left intact")
		return
	}

	// Only after the email is out: clear the queue and flip the
	// underlying records so a crash between steps re-sends rather than
	// silently drops.
	if err := e.queue.Clear(ctx, prefs.UserID, prefs.Digest.Frequency); err != nil {
		log.WithError(err).Error("failed to clear digest queue after send")
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.NotificationID)
	}
	if err := e.hist.MarkDeliveredByNotification(ctx, ids, time.Now()); err != nil {
		log.WithError(err).Error("failed to mark digested records delivered")
	}

	log.WithField("entries", len(entries)).Info("digest sent")
}

// ForceDigest flushes a user's queue immediately regardless of
// schedule. Used by the admin API.
func (e *DigestEngine) ForceDigest(ctx context.Context, userID string) error {
	prefs, err := e.prefs.GetOrCreate(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	if !prefs.Digest.Enabled {
		return errors.New("digest is not enabled for user")
	}
	e.flush(ctx, prefs)
	return nil
}

func digestSubject(count int) string {
	if count == 1 {
		return "Your account summary: 1 update"
	}
	return fmt.Sprintf("Your account summary: %d updates", count)
}
