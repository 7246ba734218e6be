// Package gateway is the update orchestrator: it turns a validated
// subscription request into ESP record writes and triggered messages,
// routed through the confirmation decision engine.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/subgate/subgate/internal/decision"
	"github.com/subgate/subgate/internal/esp"
	"github.com/subgate/subgate/internal/language"
	"github.com/subgate/subgate/internal/logging"
	"github.com/subgate/subgate/internal/metrics"
	"github.com/subgate/subgate/internal/newsletter"
	"github.com/subgate/subgate/internal/subscriber"
	"github.com/subgate/subgate/internal/tracing"
)

// Update request types.
const (
	ModeSubscribe   = "SUBSCRIBE"
	ModeUnsubscribe = "UNSUBSCRIBE"
	ModeSet         = "SET"
)

// Shared message ids mogrified per subscriber language and format.
const (
	confirmMessageBase  = "confirmation_email"
	recoveryMessageBase = "recovery_message"
)

// createdDateMarker is the substring of the provider's complaint when a
// record predates its created-date column.
const createdDateMarker = "CREATED_DATE_"

// UpdateRequest is one subscription change, already validated by the
// intake layer. Exactly one of Token, AuthedEmail or Email identifies
// the subscriber, checked in that order.
type UpdateRequest struct {
	Mode           string
	Email          string
	AuthedEmail    string
	Token          string
	Newsletters    []string
	Lang           string
	Country        string
	Format         string
	SourceURL      string
	OptIn          bool // caller collected explicit consent
	TriggerWelcome bool
	UnsubReason    string
}

// Outcome is the structured result handed back to the intake layer.
type Outcome struct {
	Verdict decision.Verdict
	Token   string
	Created bool
}

// Service wires the orchestrator's collaborators together.
type Service struct {
	registry *newsletter.Registry
	client   esp.Client
	subs     subscriber.Store
	lists    esp.Lists
	logger   *logging.Logger
	now      func() time.Time

	mu            sync.Mutex
	badMessageIDs map[string]bool
}

func NewService(registry *newsletter.Registry, client esp.Client, subs subscriber.Store, lists esp.Lists, logger *logging.Logger) *Service {
	return &Service{
		registry:      registry,
		client:        client,
		subs:          subs,
		lists:         lists,
		logger:        logger,
		now:           time.Now,
		badMessageIDs: make(map[string]bool),
	}
}

// UpdateUser applies one subscription change end to end: resolve the
// subscriber, diff the requested newsletters against the current ESP
// snapshot, run the decision engine, write the record, and trigger
// whatever messaging the verdict calls for.
func (s *Service) UpdateUser(ctx context.Context, req UpdateRequest) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "gateway.UpdateUser")
	defer span.End()

	metas, err := s.resolveNewsletters(ctx, req.Newsletters)
	if err != nil {
		return nil, err
	}

	sub, created, err := s.resolveIdentity(ctx, req)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.client.GetUserData(ctx, sub.Token, sub.Email)
	if err != nil {
		return nil, err
	}
	// The provider decides record age, not the local store: a token the
	// store already knows can still be new at the ESP.
	newToESP := snapshot == nil

	lang, format := s.resolvePreferences(req, snapshot)

	subscribe, unsubscribe, err := s.diffNewsletters(ctx, req, snapshot)
	if err != nil {
		return nil, err
	}

	requiresConfirm := false
	for _, meta := range metas {
		if meta.RequiresDoubleOptIn {
			requiresConfirm = true
			break
		}
	}

	verdict := decision.Decide(decision.Input{
		State:                snapshot.MembershipState(),
		ExplicitOptIn:        req.OptIn,
		RequiresConfirmation: requiresConfirm,
	})
	metrics.RecordUpdate(verdict.String())
	s.logger.WithContext(ctx).WithToken(sub.Token).
		WithField("verdict", verdict.String()).
		WithField("mode", req.Mode).
		Info("subscription update decided")

	rec, err := s.buildRecord(ctx, req, sub, verdict, lang, format, subscribe, unsubscribe, newToESP)
	if err != nil {
		return nil, err
	}

	switch {
	case verdict.MustConfirm():
		// Park the subscriber in the opt-in holding list; the full
		// update happens when ConfirmUser sees their token.
		if err := s.applyWithRepair(ctx, s.lists.OptIn, rec, sub, newToESP); err != nil {
			return nil, err
		}
		if err := s.sendConfirmNotice(ctx, metas, sub, lang, format); err != nil {
			return nil, err
		}
	case verdict == decision.ExemptPending, verdict == decision.ExemptNew:
		if err := s.applyWithRepair(ctx, s.lists.OptIn, rec, sub, newToESP); err != nil {
			return nil, err
		}
		if err := s.applyConfirmMarker(ctx, sub); err != nil {
			return nil, err
		}
		if req.TriggerWelcome {
			if err := s.sendWelcomes(ctx, metas, subscribe, sub, lang, format); err != nil {
				return nil, err
			}
		}
	default: // AlreadyConfirmed
		list := s.lists.OptIn
		if snapshot != nil && snapshot.Master {
			list = s.lists.Master
		}
		if err := s.applyWithRepair(ctx, list, rec, sub, newToESP); err != nil {
			return nil, err
		}
		if req.TriggerWelcome && req.Mode == ModeSubscribe {
			if err := s.sendWelcomes(ctx, metas, subscribe, sub, lang, format); err != nil {
				return nil, err
			}
		}
	}

	return &Outcome{Verdict: verdict, Token: sub.Token, Created: created}, nil
}

// ConfirmUser completes a pending double opt-in: token arrives from the
// confirmation link, the marker record is written, and the welcome
// messages for the confirmed newsletters go out.
func (s *Service) ConfirmUser(ctx context.Context, token string) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.ConfirmUser")
	defer span.End()

	snapshot, err := s.client.GetUserData(ctx, token, "")
	if err != nil {
		return err
	}
	if snapshot == nil {
		return esp.NotFoundError(esp.CodeUnknownToken, "no subscriber for confirmation token")
	}
	if snapshot.Confirmed {
		s.logger.WithContext(ctx).WithToken(token).Debug("confirmation replay, already confirmed")
		return nil
	}

	if err := s.applyConfirmMarker(ctx, &subscriber.Subscriber{Email: snapshot.Email, Token: snapshot.Token}); err != nil {
		return err
	}

	metas := make([]newsletter.Newsletter, 0, len(snapshot.Newsletters))
	for _, slug := range snapshot.Newsletters {
		meta, err := s.registry.Resolve(ctx, slug)
		if err != nil {
			// Flags can reference retired newsletters; skip them.
			s.logger.WithContext(ctx).WithNewsletter(slug).Warn("subscribed newsletter no longer registered")
			continue
		}
		metas = append(metas, meta)
	}
	sub := &subscriber.Subscriber{Email: snapshot.Email, Token: snapshot.Token}
	return s.sendWelcomes(ctx, metas, snapshot.Newsletters, sub, snapshot.Lang, snapshot.Format)
}

// SendRecoveryMessage emails a subscriber their subscription-management
// link. Unknown addresses are a silent no-op so the endpoint cannot be
// used to probe for registered emails.
func (s *Service) SendRecoveryMessage(ctx context.Context, email string) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.SendRecoveryMessage")
	defer span.End()

	snapshot, err := s.client.GetUserData(ctx, "", email)
	if err != nil {
		return err
	}
	if snapshot == nil {
		s.logger.WithContext(ctx).Debug("recovery requested for unknown email")
		return nil
	}

	supported, err := s.registry.Languages(ctx)
	if err != nil {
		return err
	}
	lang := language.Match(snapshot.Lang, supported)
	id := language.MogrifyMessageID(recoveryMessageBase, lang, snapshot.Format)
	return s.sendOne(ctx, id, snapshot.Email, snapshot.Token, snapshot.Format, "recovery")
}

// SendMessage delivers one triggered message id verbatim, for callers
// that already resolved the localized id.
func (s *Service) SendMessage(ctx context.Context, messageID, email, token, format string) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.SendMessage")
	defer span.End()
	return s.sendOne(ctx, messageID, email, token, language.NormalizeFormat(format), "triggered")
}

// RecordUnsubReason writes the free-text reason a subscriber gave when
// leaving onto their master record.
func (s *Service) RecordUnsubReason(ctx context.Context, token, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.RecordUnsubReason")
	defer span.End()

	snapshot, err := s.client.GetUserData(ctx, token, "")
	if err != nil {
		return err
	}
	if snapshot == nil {
		return esp.NotFoundError(esp.CodeUnknownToken, "no subscriber for token")
	}
	rec, err := esp.NewRecord(snapshot.Email, snapshot.Token).
		UnsubscribeReason(reason).
		Build(nil)
	if err != nil {
		return err
	}
	return s.client.ApplyUpdates(ctx, s.lists.Master, rec)
}

// AddSMSUser triggers the registered SMS message for a mobile number
// and, when optin is set, records the number in the mobile opt-in list.
func (s *Service) AddSMSUser(ctx context.Context, messageName, mobile string, optin bool) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.AddSMSUser")
	defer span.End()

	vendorID, ok, err := s.registry.SMSMessage(ctx, messageName)
	if err != nil {
		return err
	}
	if !ok {
		return esp.ValidationError(esp.CodeValidation, fmt.Sprintf("unknown SMS message %q", messageName))
	}
	if err := s.client.SendSMS(ctx, vendorID, mobile); err != nil {
		return err
	}
	metrics.RecordMessageSent("sms")
	if !optin {
		return nil
	}
	rec, err := esp.NewRecord(mobile+"@sms.invalid", mobile).Build(nil)
	if err != nil {
		return err
	}
	return s.client.ApplyUpdates(ctx, s.lists.Mobile, rec)
}

// resolveNewsletters validates every requested slug before any external
// call, so a bad request has no partial side effects.
func (s *Service) resolveNewsletters(ctx context.Context, slugs []string) ([]newsletter.Newsletter, error) {
	if len(slugs) == 0 {
		return nil, esp.UsageError("no newsletters requested")
	}
	metas := make([]newsletter.Newsletter, 0, len(slugs))
	for _, slug := range slugs {
		meta, err := s.registry.Resolve(ctx, slug)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// resolveIdentity finds or mints the subscriber. Token wins over the
// authenticated email, which wins over the request body's email; a new
// token is minted only for a SUBSCRIBE naming an unknown address.
func (s *Service) resolveIdentity(ctx context.Context, req UpdateRequest) (*subscriber.Subscriber, bool, error) {
	switch {
	case req.Token != "":
		sub, err := s.subs.LookupByToken(ctx, req.Token)
		if err != nil {
			return nil, false, err
		}
		if sub == nil {
			return nil, false, esp.NotFoundError(esp.CodeUnknownToken, "no subscriber for token")
		}
		return sub, false, nil
	case req.AuthedEmail != "":
		return s.lookupOrCreate(ctx, req.AuthedEmail, req.Mode)
	case req.Email != "":
		return s.lookupOrCreate(ctx, req.Email, req.Mode)
	}
	return nil, false, esp.UsageError("request identifies no subscriber")
}

func (s *Service) lookupOrCreate(ctx context.Context, email, mode string) (*subscriber.Subscriber, bool, error) {
	if mode == ModeSubscribe {
		return s.subs.GetOrCreate(ctx, email)
	}
	sub, err := s.subs.LookupByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if sub == nil {
		return nil, false, esp.NotFoundError(esp.CodeUnknownEmail, "no subscriber for email")
	}
	return sub, false, nil
}

// resolvePreferences fills language and format from the request, the
// snapshot, then defaults.
func (s *Service) resolvePreferences(req UpdateRequest, snapshot *esp.UserSnapshot) (string, string) {
	lang := req.Lang
	if lang == "" && snapshot != nil {
		lang = snapshot.Lang
	}
	format := req.Format
	if format == "" && snapshot != nil {
		format = snapshot.Format
	}
	return lang, language.NormalizeFormat(format)
}

// diffNewsletters computes the slugs to subscribe and unsubscribe. SET
// unsubscribes from every current subscription not explicitly named;
// slugs already in the requested state are skipped so their dates stay
// untouched.
func (s *Service) diffNewsletters(ctx context.Context, req UpdateRequest, snapshot *esp.UserSnapshot) (subscribe, unsubscribe []string, err error) {
	current := make(map[string]bool)
	if snapshot != nil {
		for _, slug := range snapshot.Newsletters {
			current[slug] = true
		}
	}
	requested := make(map[string]bool, len(req.Newsletters))
	for _, slug := range req.Newsletters {
		requested[slug] = true
	}

	switch req.Mode {
	case ModeSubscribe:
		for _, slug := range req.Newsletters {
			if !current[slug] {
				subscribe = append(subscribe, slug)
			}
		}
	case ModeUnsubscribe:
		for _, slug := range req.Newsletters {
			if current[slug] {
				unsubscribe = append(unsubscribe, slug)
			}
		}
	case ModeSet:
		for _, slug := range req.Newsletters {
			if !current[slug] {
				subscribe = append(subscribe, slug)
			}
		}
		for slug := range current {
			if !requested[slug] {
				unsubscribe = append(unsubscribe, slug)
			}
		}
		sort.Strings(unsubscribe)
	default:
		return nil, nil, esp.UsageError(fmt.Sprintf("unknown update type %q", req.Mode))
	}
	return subscribe, unsubscribe, nil
}

func (s *Service) buildRecord(ctx context.Context, req UpdateRequest, sub *subscriber.Subscriber, verdict decision.Verdict, lang, format string, subscribe, unsubscribe []string, newToESP bool) (*esp.Record, error) {
	b := esp.NewRecord(sub.Email, sub.Token).Format(format)
	if lang != "" {
		b.Language(lang)
	}
	if req.Country != "" {
		b.Country(strings.ToLower(req.Country))
	}
	if req.SourceURL != "" {
		b.SourceURL(req.SourceURL)
	}
	if req.UnsubReason != "" {
		b.UnsubscribeReason(req.UnsubReason)
	}
	if newToESP {
		b.Created(s.now())
		// A brand-new pending record must carry the provider's native
		// key fields or the confirmation send cannot target it.
		if verdict == decision.MustConfirmNew {
			b.WithSubscriberKey()
		}
	}

	now := s.now()
	for _, slug := range subscribe {
		meta, err := s.registry.Resolve(ctx, slug)
		if err != nil {
			return nil, err
		}
		b.Newsletter(meta.VendorID, true, now)
	}
	for _, slug := range unsubscribe {
		meta, err := s.registry.Resolve(ctx, slug)
		if err != nil {
			// A retired newsletter may linger on the record; nothing
			// to flip for it.
			continue
		}
		b.Newsletter(meta.VendorID, false, now)
	}

	known, err := s.registry.VendorFields(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := b.Build(known)
	if err != nil {
		return nil, esp.ValidationError(esp.CodeValidation, err.Error())
	}
	return rec, nil
}

// applyWithRepair writes the record, and on the provider's missing
// created-date complaint retries once with a created date attached.
// stamped means the record already carries one.
func (s *Service) applyWithRepair(ctx context.Context, list string, rec *esp.Record, sub *subscriber.Subscriber, stamped bool) error {
	err := s.client.ApplyUpdates(ctx, list, rec)
	if err == nil || stamped {
		return err
	}
	if !strings.Contains(err.Error(), createdDateMarker) {
		return err
	}
	tracing.AddSpanEvent(ctx, "created_date_repair")
	s.logger.WithContext(ctx).WithToken(sub.Token).Warn("record missing created date, repairing")
	return s.client.ApplyUpdates(ctx, list, rec.CloneWithCreated(s.now()))
}

// applyConfirmMarker writes the token into the confirmation list, which
// marks the subscriber confirmed.
func (s *Service) applyConfirmMarker(ctx context.Context, sub *subscriber.Subscriber) error {
	rec, err := esp.NewRecord(sub.Email, sub.Token).Build(nil)
	if err != nil {
		return err
	}
	return s.client.ApplyUpdates(ctx, s.lists.Confirm, rec)
}

// sendConfirmNotice sends the double-opt-in confirmation request. A
// newsletter with its own confirmation message wins (first one found);
// otherwise the shared id, localized to the subscriber.
func (s *Service) sendConfirmNotice(ctx context.Context, metas []newsletter.Newsletter, sub *subscriber.Subscriber, lang, format string) error {
	base := confirmMessageBase
	supported := supportedUnion(metas)
	for _, meta := range metas {
		if meta.ConfirmMessage != "" {
			base = meta.ConfirmMessage
			break
		}
	}
	matched := language.Match(lang, supported)
	id := language.MogrifyMessageID(base, matched, format)
	if err := s.sendOne(ctx, id, sub.Email, sub.Token, format, "confirm"); err != nil {
		return err
	}
	return nil
}

// sendWelcomes sends each subscribed newsletter's welcome message,
// localized per that newsletter's supported languages. Newsletters that
// resolve to the same mogrified id share a single send.
func (s *Service) sendWelcomes(ctx context.Context, metas []newsletter.Newsletter, subscribed []string, sub *subscriber.Subscriber, lang, format string) error {
	wanted := make(map[string]bool, len(subscribed))
	for _, slug := range subscribed {
		wanted[slug] = true
	}
	format = language.NormalizeFormat(format)

	sent := make(map[string]bool)
	for _, meta := range metas {
		if !wanted[meta.Slug] || meta.WelcomeID == "" {
			continue
		}
		matched := language.Match(lang, meta.Languages)
		id := language.MogrifyMessageID(meta.WelcomeID, matched, format)
		if sent[id] {
			continue
		}
		sent[id] = true
		if err := s.sendOne(ctx, id, sub.Email, sub.Token, format, "welcome"); err != nil {
			return err
		}
	}
	return nil
}

// sendOne delivers a single triggered message, remembering ids the
// provider has rejected so retries do not loop on a dead id.
func (s *Service) sendOne(ctx context.Context, id, email, token, format, kind string) error {
	s.mu.Lock()
	dead := s.badMessageIDs[id]
	s.mu.Unlock()
	if dead {
		s.logger.WithContext(ctx).WithMessageID(id).Warn("skipping previously rejected message id")
		return nil
	}

	err := s.client.SendMessage(ctx, id, email, token, format)
	if err != nil {
		if esp.CodeOf(err) == esp.CodeBadMessageID {
			s.mu.Lock()
			s.badMessageIDs[id] = true
			s.mu.Unlock()
			s.logger.WithContext(ctx).WithMessageID(id).Error("provider rejected message id")
			return nil
		}
		return err
	}
	metrics.RecordMessageSent(kind)
	s.logger.WithContext(ctx).WithToken(token).WithMessageID(id).Info("message scheduled")
	return nil
}

func supportedUnion(metas []newsletter.Newsletter) []string {
	seen := make(map[string]bool)
	var out []string
	for _, meta := range metas {
		for _, lang := range meta.Languages {
			key := strings.ToLower(lang)
			if !seen[key] {
				seen[key] = true
				out = append(out, lang)
			}
		}
	}
	return out
}
