package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/finvault/notifier/internal/telemetry"
)

// ErrNotRetryable is returned by ManualRetry for records whose status
// does not admit another attempt.
var ErrNotRetryable = errors.New("record is not in a retryable status")

// RetryEngine periodically scans for due retries and re-drives them
// through the provider adapters. A record that exhausts its retry
// budget, or fails permanently, is terminally failed and snapshotted
// to the dead letter queue.
type RetryEngine struct {
	config Config
	router *Router
	hist   HistoryStore
	prefs  PreferencesStore
	dlq    DLQStore
}

// NewRetryEngine creates the retry engine.
func NewRetryEngine(config Config, router *Router, hist HistoryStore, prefs PreferencesStore, dlq DLQStore) *RetryEngine {
	return &RetryEngine{
		config: config,
		router: router,
		hist:   hist,
		prefs:  prefs,
		dlq:    dlq,
	}
}

// Run scans on a fixed interval until the context is cancelled.
func (e *RetryEngine) Run(ctx context.Context) error {
	log := telemetry.LogFromContext(ctx)
	log.WithField("interval", e.config.RetryScanInterval).Info("retry engine started")

	ticker := time.NewTicker(e.config.RetryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("retry engine stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("retry scan failed")
				sentry.CaptureException(err)
			}
		}
	}
}

// Scan processes one batch of due retries.
func (e *RetryEngine) Scan(ctx context.Context) error {
	due, err := e.hist.DueRetries(ctx, time.Now(), e.config.RetryBatchSize)
	if err != nil {
		return fmt.Errorf("failed to load due retries: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	telemetry.LogFromContext(ctx).WithField("count", len(due)).Debug("processing due retries")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.FanoutConcurrency)
	for _, rec := range due {
		rec := rec
		g.Go(func() error {
			e.processRecord(gctx, rec)
			return nil
		})
	}
	return g.Wait()
}

// processRecord drives one retry attempt. An unavailable preferences
// store leaves the record due; the next scan picks it up again.
func (e *RetryEngine) processRecord(ctx context.Context, rec *DeliveryRecord) {
	ctx = telemetry.WithCorrelationID(ctx, rec.CorrelationID)
	log := telemetry.LogFromContext(ctx).WithFields(logrus.Fields{
		"delivery_record_id": rec.ID,
		"user_id":            rec.UserID,
		"channel":            rec.Channel,
		"retry_count":        rec.RetryCount,
	})

	prefs, err := e.prefs.GetOrCreate(ctx, rec.UserID)
	if err != nil {
		log.WithError(err).Warn("preferences unavailable, retry deferred")
		return
	}

	// The user may have disabled the channel since the record was
	// created. That is a permanent condition for this record.
	if !prefs.ChannelEnabled(rec.Channel) {
		e.deadLetter(ctx, log, rec, rec.RetryCount, "channel disabled by user during retry", ErrorCodeChannelDisabled)
		return
	}

	outcome := e.router.dispatch(ctx, rec, prefs, rec.RetryCount+1)
	now := time.Now()

	switch outcome.Status {
	case StatusSent, StatusDelivered:
		var msgID *string
		if outcome.ProviderMessageID != "" {
			msgID = Ptr(outcome.ProviderMessageID)
		}
		if err := e.hist.MarkSent(ctx, rec.ID, msgID, now); err != nil {
			log.WithError(err).Error("failed to mark retried record sent")
			return
		}
		auditType := AuditSent
		if outcome.Status == StatusDelivered {
			if err := e.hist.MarkDelivered(ctx, rec.ID, now); err != nil {
				log.WithError(err).Error("failed to mark retried record delivered")
			}
			auditType = AuditDelivered
		}
		e.router.publishAudit(ctx, log, e.router.auditFor(rec, auditType, outcome.Status))
		log.Info("retry succeeded")

	default:
		errMsg := "provider failure"
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}

		// The attempt just made counts against the budget: the record
		// dead-letters once it has consumed all MaxRetryAttempts attempts.
		attemptsMade := rec.RetryCount + 1
		if outcome.ErrorCode.Permanent() {
			e.deadLetter(ctx, log, rec, attemptsMade, errMsg, outcome.ErrorCode)
			return
		}
		if attemptsMade >= e.config.MaxRetryAttempts {
			e.deadLetter(ctx, log, rec, attemptsMade, fmt.Sprintf("retry budget exhausted: %s", errMsg), outcome.ErrorCode)
			return
		}

		nextCount := rec.RetryCount + 1
		next := now.Add(e.config.RetryDelay(nextCount))
		if err := e.hist.ScheduleRetry(ctx, rec.ID, nextCount, next, errMsg, outcome.ErrorCode); err != nil {
			log.WithError(err).Error("failed to reschedule retry")
			return
		}
		e.router.publishAudit(ctx, log, e.router.auditFor(rec, AuditRetryScheduled, StatusRetrying))
		log.WithFields(logrus.Fields{
			"error_code":      outcome.ErrorCode,
			"next_attempt_at": next,
		}).Info("retry failed, rescheduled")
	}
}

// deadLetter snapshots the record into the DLQ, then terminally fails
// it. DLQ first: if the snapshot cannot be written the record stays
// retrying and the next scan tries again.
func (e *RetryEngine) deadLetter(ctx context.Context, log *telemetry.ContextualLogger, rec *DeliveryRecord, totalAttempts int, reason string, code ErrorCode) {
	history := e.failureHistory(ctx, rec)

	dlqRec := &DLQRecord{
		DeliveryRecordID: &rec.ID,
		UserID:           rec.UserID,
		Kind:             rec.Kind,
		SourceID:         rec.SourceID,
		Channel:          rec.Channel,
		Priority:         rec.Priority,
		Title:            rec.Title,
		Body:             rec.Body,
		Reason:           reason,
		TotalAttempts:    totalAttempts,
		FailureHistory:   history,
		CorrelationID:    rec.CorrelationID,
	}
	if err := e.dlq.Create(ctx, dlqRec); err != nil {
		log.WithError(err).Error("failed to write dlq record, will retry on next scan")
		sentry.CaptureException(err)
		return
	}

	if err := e.hist.MarkFailed(ctx, rec.ID, reason, code); err != nil {
		log.WithError(err).Error("failed to terminally fail record")
	}

	e.router.publishAudit(ctx, log, e.router.auditFor(rec, AuditFailed, StatusFailed))
	e.router.publishAudit(ctx, log, e.router.auditFor(rec, AuditDLQMoved, StatusFailed))
	log.WithFields(logrus.Fields{
		"dlq_record_id": dlqRec.ID,
		"error_code":    code,
	}).Warn("record dead-lettered")
}

// failureHistory reconstructs the DLQ failure trail from the attempts
// table. A read failure degrades to the record's own last error.
func (e *RetryEngine) failureHistory(ctx context.Context, rec *DeliveryRecord) FailureHistory {
	attempts, err := e.hist.AttemptsFor(ctx, rec.ID)
	if err != nil || len(attempts) == 0 {
		entry := FailureEntry{AttemptNumber: rec.RetryCount + 1, OccurredAt: time.Now()}
		if rec.LastError != nil {
			entry.Error = *rec.LastError
		}
		if rec.LastErrorCode != nil {
			entry.ErrorCode = string(*rec.LastErrorCode)
		}
		return FailureHistory{entry}
	}

	history := make(FailureHistory, 0, len(attempts))
	for _, a := range attempts {
		if a.Success {
			continue
		}
		entry := FailureEntry{
			AttemptNumber: a.AttemptNumber,
			OccurredAt:    a.StartedAt,
		}
		if a.ErrorMessage != nil {
			entry.Error = *a.ErrorMessage
		}
		if a.ErrorCode != nil {
			entry.ErrorCode = *a.ErrorCode
		}
		history = append(history, entry)
	}
	return history
}

// ManualRetry gives a failed or stuck record a fresh retry budget and
// drives one attempt right away. Used by the admin API after a provider
// outage or a resolved DLQ review.
func (e *RetryEngine) ManualRetry(ctx context.Context, id uuid.UUID) error {
	rec, err := e.hist.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusFailed && rec.Status != StatusRetrying {
		return fmt.Errorf("%w: %s", ErrNotRetryable, rec.Status)
	}

	now := time.Now()
	if err := e.hist.ScheduleRetry(ctx, rec.ID, 0, now, "manual retry requested", ErrorCodeUnknown); err != nil {
		return fmt.Errorf("failed to schedule manual retry: %w", err)
	}
	rec.RetryCount = 0
	rec.Status = StatusRetrying
	rec.NextAttemptAt = &now

	telemetry.LogFromContext(ctx).WithFields(logrus.Fields{
		"delivery_record_id": id,
		"user_id":            rec.UserID,
	}).Info("manual retry requested, dispatching")

	e.processRecord(ctx, rec)
	return nil
}
