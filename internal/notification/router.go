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
	"golang.org/x/sync/errgroup"

	"github.com/finvault/notifier/internal/telemetry"
)

// AuditEvent is the best-effort audit trail record the Router and
// engines emit for every routing decision.
type AuditEvent struct {
	Type           string    `json:"type"` // notification.sent, notification.failed, ...
	NotificationID uuid.UUID `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Kind           Kind      `json:"kind"`
	Channel        Channel   `json:"channel,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Audit event types.
const (
	AuditSent            = "notification.sent"
	AuditDelivered       = "notification.delivered"
	AuditFailed          = "notification.failed"
	AuditRetryScheduled  = "notification.retry.scheduled"
	AuditDLQMoved        = "notification.dlq.moved"
	AuditRateLimited     = "notification.rate_limited"
	AuditQueuedForDigest = "notification.queued_for_digest"
	AuditSkipped         = "notification.skipped"
	AuditRead            = "notification.read"
)

// AuditPublisher ships audit events to the audit trail. Publishing is
// best-effort: the Router logs failures and moves on.
type AuditPublisher interface {
	Publish(ctx context.Context, event AuditEvent) error
}

// RouterDeps bundles the Router's collaborators.
type RouterDeps struct {
	Dedup       DedupStore
	Preferences PreferencesStore
	Budget      RateBudgetStore
	History     HistoryStore
	DigestQueue DigestQueue
	Senders     []Sender
	Audit       AuditPublisher // optional
}

// Router is the decision core: one Route call per incoming event,
// ending in provider attempts, digest queueing, or recorded skips.
//
// Gate order matters: dedup first (cheapest, fails open), then
// preferences (authoritative, fails closed), then per-channel
// preconditions, then rate budgets last so a channel skipped for a
// missing contact never burns budget.
type Router struct {
	config Config
	dedup  DedupStore
	prefs  PreferencesStore
	budget RateBudgetStore
	hist   HistoryStore
	digest DigestQueue
	sender map[Channel]Sender
	audit  AuditPublisher
}

// NewRouter creates the Router.
func NewRouter(config Config, deps RouterDeps) *Router {
	senders := make(map[Channel]Sender, len(deps.Senders))
	for _, s := range deps.Senders {
		senders[s.Channel()] = s
	}
	return &Router{
		config: config,
		dedup:  deps.Dedup,
		prefs:  deps.Preferences,
		budget: deps.Budget,
		hist:   deps.History,
		digest: deps.DigestQueue,
		sender: senders,
		audit:  deps.Audit,
	}
}

// Route runs one event through the full decision pipeline. It returns
// an error only for infrastructure failures that make a decision
// impossible (unknown kind, preferences store down); ordinary channel
// failures and skips are reported inside the RouteResult.
func (r *Router) Route(ctx context.Context, req Request) (*RouteResult, error) {
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}
	kindCfg, err := LookupKind(req.Kind)
	if err != nil {
		return nil, err
	}

	if req.CorrelationID == "" {
		req.CorrelationID = telemetry.GetCorrelationID(ctx)
	}
	ctx = telemetry.WithCorrelationID(ctx, req.CorrelationID)
	log := telemetry.LogFromContext(ctx).WithFields(logrus.Fields{
		"user_id": req.UserID,
		"kind":    req.Kind,
	})

	result := &RouteResult{NotificationID: uuid.New()}

	// Dedup gate. The store fails open: losing dedup risks a repeated
	// notification, losing the pipeline loses all of them.
	window := kindCfg.DedupWindow
	if window <= 0 {
		window = r.config.DefaultDedupWindow
	}
	decision, err := r.dedup.CheckAndRegister(ctx, req.UserID, req.Kind, req.SourceID, result.NotificationID, window)
	if err != nil {
		log.WithError(err).Warn("dedup store unavailable, proceeding without dedup")
		sentry.CaptureException(err)
	} else if decision.Duplicate {
		result.Skips = append(result.Skips, Skip{
			Reason:      SkipDuplicate,
			DuplicateOf: &decision.OriginalID,
		})
		r.publishAudit(ctx, log, AuditEvent{
			Type:           AuditSkipped,
			NotificationID: result.NotificationID,
			UserID:         req.UserID,
			Kind:           req.Kind,
			Detail:         string(SkipDuplicate),
			CorrelationID:  req.CorrelationID,
			OccurredAt:     time.Now(),
		})
		log.WithField("duplicate_of", decision.OriginalID).Debug("duplicate event dropped")
		return result, nil
	}

	// Preferences are authoritative; without them no channel decision
	// is safe.
	prefs, err := r.prefs.GetOrCreate(ctx, req.UserID)
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	if dnc := prefs.DoNotContact; dnc.Enabled && (dnc.ReactivateAt == nil || dnc.ReactivateAt.After(time.Now())) {
		result.Skips = append(result.Skips, Skip{Reason: SkipDoNotContact, Detail: dnc.Reason})
		log.Info("user is do-not-contact, all channels suppressed")
		return result, nil
	}

	priority := kindCfg.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}

	channels, skips := r.resolveChannels(req.Kind, kindCfg, prefs, priority)
	result.Skips = append(result.Skips, skips...)
	if len(channels) == 0 {
		log.Debug("no deliverable channels after preference resolution")
		return result, nil
	}

	// Quiet hours defer non-urgent noise. Digest-eligible kinds are
	// queued for the next digest; the rest wait for the next natural
	// event.
	if r.inQuietHours(req.Kind, kindCfg, prefs, priority) {
		if kindCfg.DigestEligible && r.config.DigestEnabled && prefs.Digest.Enabled {
			return result, r.queueForDigest(ctx, log, req, priority, prefs, channels, result)
		}
		result.Queued = true
		for _, ch := range channels {
			result.Skips = append(result.Skips, Skip{Channel: ch, Reason: SkipQuietHours})
		}
		log.Debug("inside quiet hours, notification suppressed")
		return result, nil
	}

	r.fanOut(ctx, log, req, priority, prefs, channels, result)
	return result, nil
}

// resolveChannels intersects the catalog's channels for the kind with
// the user's overrides and per-channel preconditions. Critical events
// always keep the socket channel so the in-app bell fires even for
// users who muted everything.
func (r *Router) resolveChannels(kind Kind, kindCfg KindConfig, prefs *UserPreferences, priority Priority) ([]Channel, []Skip) {
	base := kindCfg.Channels
	override, hasOverride := prefs.KindOverrides[kind]
	if hasOverride {
		if override.Enabled != nil && !*override.Enabled {
			if priority != PriorityCritical {
				return nil, []Skip{{Reason: SkipChannelDisabled, Detail: "kind disabled by user"}}
			}
			base = nil
		} else if len(override.Channels) > 0 {
			base = override.Channels
		}
	}

	forceSocket := priority == PriorityCritical
	if forceSocket && !containsChannel(base, ChannelSocket) {
		base = append(append([]Channel{}, base...), ChannelSocket)
	}

	var active []Channel
	var skips []Skip
	for _, ch := range base {
		if _, ok := r.sender[ch]; !ok {
			skips = append(skips, Skip{Channel: ch, Reason: SkipChannelDisabled, Detail: "no adapter configured"})
			continue
		}
		if !prefs.ChannelEnabled(ch) && !(forceSocket && ch == ChannelSocket) {
			skips = append(skips, Skip{Channel: ch, Reason: SkipChannelDisabled})
			continue
		}
		switch ch {
		case ChannelSMS:
			if !prefs.PhoneVerified() {
				skips = append(skips, Skip{Channel: ch, Reason: SkipMissingContact})
				continue
			}
		case ChannelEmail:
			if !prefs.EmailVerified() {
				skips = append(skips, Skip{Channel: ch, Reason: SkipMissingContact})
				continue
			}
		case ChannelPush:
			if len(prefs.Devices) == 0 {
				skips = append(skips, Skip{Channel: ch, Reason: SkipNoDevices})
				continue
			}
		}
		active = append(active, ch)
	}
	return active, skips
}

// inQuietHours evaluates the user's quiet-hours window in their own
// timezone. Critical priority always passes through regardless of the
// user's settings, then catalog bypass flags, then a per-kind user
// grant.
func (r *Router) inQuietHours(kind Kind, kindCfg KindConfig, prefs *UserPreferences, priority Priority) bool {
	if priority == PriorityCritical {
		return false
	}
	if !prefs.QuietHours.Enabled {
		return false
	}
	if kindCfg.BypassQuietHours {
		return false
	}
	if override, ok := prefs.KindOverrides[kind]; ok {
		if override.BypassQuietHours != nil && *override.BypassQuietHours {
			return false
		}
	}
	return quietHoursActive(prefs.QuietHours, time.Now())
}

// queueForDigest persists one queued_for_digest record per resolved
// channel and appends a single digest entry. The records flip to
// delivered when the digest email reports sent.
func (r *Router) queueForDigest(ctx context.Context, log *telemetry.ContextualLogger, req Request, priority Priority, prefs *UserPreferences, channels []Channel, result *RouteResult) error {
	recorded := 0
	for _, ch := range channels {
		rec := r.newRecord(req, priority, ch, result.NotificationID)
		rec.Status = StatusQueuedForDigest
		if err := r.hist.Create(ctx, rec); err != nil {
			if errors.Is(err, ErrConflict) {
				result.Skips = append(result.Skips, Skip{Channel: ch, Reason: SkipDuplicate})
				continue
			}
			return fmt.Errorf("failed to persist digest record: %w", err)
		}
		recorded++
	}
	if recorded == 0 {
		return nil
	}

	entry := DigestEntry{
		NotificationID: result.NotificationID,
		Kind:           req.Kind,
		Title:          req.Title,
		Body:           req.Body,
		Data:           req.Data,
		CreatedAt:      time.Now(),
	}
	if err := r.digest.Append(ctx, prefs.UserID, prefs.Digest.Frequency, entry); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to queue digest entry: %w", err)
	}

	result.DigestQueued = true
	r.publishAudit(ctx, log, AuditEvent{
		Type:           AuditQueuedForDigest,
		NotificationID: result.NotificationID,
		UserID:         req.UserID,
		Kind:           req.Kind,
		Status:         StatusQueuedForDigest,
		CorrelationID:  req.CorrelationID,
		OccurredAt:     time.Now(),
	})
	log.WithField("frequency", prefs.Digest.Frequency).Debug("notification queued for digest")
	return nil
}

// fanOut attempts every resolved channel concurrently, budget-gated,
// and folds outcomes into the result.
func (r *Router) fanOut(ctx context.Context, log *telemetry.ContextualLogger, req Request, priority Priority, prefs *UserPreferences, channels []Channel, result *RouteResult) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.FanoutConcurrency)

	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			attempt, skip := r.deliverChannel(gctx, log, req, priority, prefs, ch, result.NotificationID)
			mu.Lock()
			defer mu.Unlock()
			if skip != nil {
				result.Skips = append(result.Skips, *skip)
			}
			if attempt != nil {
				result.Attempts = append(result.Attempts, *attempt)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// deliverChannel runs one channel end to end: budget gate, record
// creation, provider call, outcome persistence.
func (r *Router) deliverChannel(ctx context.Context, log *telemetry.ContextualLogger, req Request, priority Priority, prefs *UserPreferences, ch Channel, notificationID uuid.UUID) (*ChannelAttempt, *Skip) {
	log = log.WithField("channel", ch)
	rec := r.newRecord(req, priority, ch, notificationID)

	// Socket delivery is free; every provider-backed channel consumes
	// its budget.
	if ch != ChannelSocket {
		budget := prefs.BudgetFor(ch, r.config.Budgets)
		decision, err := r.budget.ConsumeBudget(ctx, req.UserID, ch, budget)
		if err != nil {
			// Fail open: a Redis blip must not silence the pipeline.
			log.WithError(err).Warn("rate budget store unavailable, proceeding without budget")
			sentry.CaptureException(err)
		} else if !decision.Allowed {
			rec.Status = StatusRateLimited
			rec.LastError = Ptr("channel budget exhausted")
			rec.LastErrorCode = Ptr(ErrorCodeRateLimited)
			if err := r.hist.Create(ctx, rec); err != nil && !errors.Is(err, ErrConflict) {
				log.WithError(err).Error("failed to persist rate-limited record")
			}
			r.publishAudit(ctx, log, AuditEvent{
				Type:           AuditRateLimited,
				NotificationID: notificationID,
				UserID:         req.UserID,
				Kind:           req.Kind,
				Channel:        ch,
				Status:         StatusRateLimited,
				CorrelationID:  req.CorrelationID,
				OccurredAt:     time.Now(),
			})
			return nil, &Skip{Channel: ch, Reason: SkipRateLimited, ResetAt: &decision.ResetAt}
		}
	}

	if err := r.hist.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, &Skip{Channel: ch, Reason: SkipDuplicate, Detail: "idempotency key exists"}
		}
		// The provider call still goes out: a history outage must not
		// silence the channel. The attempt row records what happened.
		log.WithError(err).Error("failed to persist delivery record, attempting delivery anyway")
		sentry.CaptureException(err)
	}

	outcome := r.dispatch(ctx, rec, prefs, 1)
	return r.persistFirstAttempt(ctx, log, rec, outcome), nil
}

// dispatch makes one provider call with the channel's deadline and
// records the attempt row. Persistence of the record's status is the
// caller's job so the Router and Retry Engine can apply their own
// terminal rules.
func (r *Router) dispatch(ctx context.Context, rec *DeliveryRecord, prefs *UserPreferences, attemptNumber int) Outcome {
	sender, ok := r.sender[rec.Channel]
	if !ok {
		return disabledOutcome()
	}

	timeout := r.config.ProviderTimeout
	if rec.Channel == ChannelSocket {
		timeout = r.config.SocketTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	outcome := sender.Send(sendCtx, DeliveryRequest{
		NotificationID: rec.NotificationID,
		UserID:         rec.UserID,
		Kind:           rec.Kind,
		Priority:       rec.Priority,
		Title:          rec.Title,
		Body:           rec.Body,
		Data:           rec.Data,
		CorrelationID:  rec.CorrelationID,
		Phone:          prefs.Phone,
		Email:          prefs.Email,
		Devices:        prefs.Devices,
	})
	rec.Provider = sender.Provider()

	attempt := Attempt{
		DeliveryRecordID: rec.ID,
		AttemptNumber:    attemptNumber,
		Success:          outcome.Status == StatusSent || outcome.Status == StatusDelivered,
		StartedAt:        started,
		DurationMs:       int(time.Since(started).Milliseconds()),
	}
	if outcome.Err != nil {
		attempt.ErrorMessage = Ptr(outcome.Err.Error())
	}
	if outcome.ErrorCode != "" {
		attempt.ErrorCode = Ptr(string(outcome.ErrorCode))
	}
	if err := r.hist.CreateAttempt(ctx, attempt); err != nil {
		telemetry.LogFromContext(ctx).WithError(err).Warn("failed to record delivery attempt")
	}

	return outcome
}

// persistFirstAttempt applies the first attempt's outcome: sent or
// delivered stamps the record, a permanent failure terminally fails
// it, anything transient schedules the first retry.
func (r *Router) persistFirstAttempt(ctx context.Context, log *telemetry.ContextualLogger, rec *DeliveryRecord, outcome Outcome) *ChannelAttempt {
	now := time.Now()
	attempt := &ChannelAttempt{
		Channel:           rec.Channel,
		Status:            outcome.Status,
		ProviderMessageID: outcome.ProviderMessageID,
		ErrorCode:         outcome.ErrorCode,
	}
	if outcome.Err != nil {
		attempt.Error = outcome.Err.Error()
	}

	switch outcome.Status {
	case StatusSent, StatusDelivered:
		var msgID *string
		if outcome.ProviderMessageID != "" {
			msgID = Ptr(outcome.ProviderMessageID)
		}
		if err := r.hist.MarkSent(ctx, rec.ID, msgID, now); err != nil {
			log.WithError(err).Error("failed to mark record sent")
		}
		auditType := AuditSent
		if outcome.Status == StatusDelivered {
			if err := r.hist.MarkDelivered(ctx, rec.ID, now); err != nil {
				log.WithError(err).Error("failed to mark record delivered")
			}
			auditType = AuditDelivered
		}
		r.publishAudit(ctx, log, r.auditFor(rec, auditType, outcome.Status))
		log.Debug("notification sent")

	default:
		errMsg := "provider failure"
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}
		if outcome.ErrorCode.Permanent() {
			attempt.Status = StatusFailed
			if err := r.hist.MarkFailed(ctx, rec.ID, errMsg, outcome.ErrorCode); err != nil {
				log.WithError(err).Error("failed to mark record failed")
			}
			r.publishAudit(ctx, log, r.auditFor(rec, AuditFailed, StatusFailed))
			log.WithField("error_code", outcome.ErrorCode).Warn("permanent delivery failure")
		} else {
			next := now.Add(r.config.RetryDelay(1))
			attempt.Status = StatusRetrying
			if err := r.hist.ScheduleRetry(ctx, rec.ID, 1, next, errMsg, outcome.ErrorCode); err != nil {
				log.WithError(err).Error("failed to schedule retry")
			}
			r.publishAudit(ctx, log, r.auditFor(rec, AuditRetryScheduled, StatusRetrying))
			log.WithFields(logrus.Fields{
				"error_code":      outcome.ErrorCode,
				"next_attempt_at": next,
			}).Info("delivery failed, retry scheduled")
		}
	}

	return attempt
}

func (r *Router) newRecord(req Request, priority Priority, ch Channel, notificationID uuid.UUID) *DeliveryRecord {
	return &DeliveryRecord{
		ID:             uuid.New(),
		NotificationID: notificationID,
		UserID:         req.UserID,
		Kind:           req.Kind,
		SourceID:       req.SourceID,
		Channel:        ch,
		Priority:       priority,
		Title:          req.Title,
		Body:           req.Body,
		Data:           req.Data,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: IdempotencyKey(req.UserID, req.Kind, req.SourceID, ch),
	}
}

func (r *Router) auditFor(rec *DeliveryRecord, eventType string, status Status) AuditEvent {
	return AuditEvent{
		Type:           eventType,
		NotificationID: rec.NotificationID,
		UserID:         rec.UserID,
		Kind:           rec.Kind,
		Channel:        rec.Channel,
		Status:         status,
		CorrelationID:  rec.CorrelationID,
		OccurredAt:     time.Now(),
	}
}

func (r *Router) publishAudit(ctx context.Context, log *telemetry.ContextualLogger, event AuditEvent) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Publish(ctx, event); err != nil {
		log.WithError(err).Warn("failed to publish audit event")
	}
}

func containsChannel(channels []Channel, target Channel) bool {
	for _, ch := range channels {
		if ch == target {
			return true
		}
	}
	return false
}
