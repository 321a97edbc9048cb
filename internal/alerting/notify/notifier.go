package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	alerting "infrawatch/internal/alerting/domain"
)

// AlertReader loads the current state of an alert.
type AlertReader interface {
	GetAlert(ctx context.Context, id string) (alerting.Alert, error)
}

// Clock provides the time used for throttling.
type Clock interface {
	Now() time.Time
}

// ReportURLResolver returns a report link for alert, or "".
type ReportURLResolver func(ctx context.Context, alert alerting.Alert) string

// Notifier is a Sink that renders alert events and sends them on a Channel.
// High severity alerts still active after the escalation delay are sent again
// as alert.escalated.
type Notifier struct {
	alerts    AlertReader
	channel   Channel
	template  *Template
	kinds     map[alerting.EventKind]struct{}
	reportURL ReportURLResolver
	clock     Clock
	logger    zerolog.Logger

	lookupTimeout time.Duration
	cooldown      time.Duration
	dedupeWindow  time.Duration
	escalateAfter time.Duration
	escalateFrom  alerting.Severity

	throttle *throttle
	pending  *escalations
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithEvents limits notifications to kinds. Escalation tracking still sees
// every alert event.
func WithEvents(kinds ...alerting.EventKind) Option {
	return func(n *Notifier) {
		if len(kinds) == 0 {
			return
		}
		n.kinds = make(map[alerting.EventKind]struct{}, len(kinds))
		for _, kind := range kinds {
			n.kinds[kind] = struct{}{}
		}
	}
}

// WithEscalation enables re-notification of alerts still active after d.
func WithEscalation(d time.Duration) Option {
	return func(n *Notifier) { n.escalateAfter = d }
}

// WithEscalationSeverity sets the lowest severity that escalates.
func WithEscalationSeverity(severity alerting.Severity) Option {
	return func(n *Notifier) {
		if severity.Valid() {
			n.escalateFrom = severity
		}
	}
}

// WithCooldown drops repeats of one alert and kind inside d.
func WithCooldown(d time.Duration) Option {
	return func(n *Notifier) { n.cooldown = d }
}

// WithDedupeWindow drops repeats with identical text inside d.
func WithDedupeWindow(d time.Duration) Option {
	return func(n *Notifier) { n.dedupeWindow = d }
}

// WithRequestTimeout bounds the alert lookup done when an escalation fires.
func WithRequestTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.lookupTimeout = d
		}
	}
}

func WithReportURLResolver(resolver ReportURLResolver) Option {
	return func(n *Notifier) { n.reportURL = resolver }
}

func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// NewNotifier builds a notifier. A nil template uses the built-in layout.
// Updated events are not sent unless WithEvents asks for them.
func NewNotifier(alerts AlertReader, channel Channel, tpl *Template, opts ...Option) (*Notifier, error) {
	if alerts == nil {
		return nil, errors.New("notify: nil alert reader")
	}
	if channel == nil {
		return nil, errors.New("notify: nil channel")
	}
	if tpl == nil {
		var err error
		if tpl, err = NewTemplate(""); err != nil {
			return nil, err
		}
	}
	n := &Notifier{
		alerts:   alerts,
		channel:  channel,
		template: tpl,
		kinds: map[alerting.EventKind]struct{}{
			alerting.EventAlertCreated:      {},
			alerting.EventAlertAcknowledged: {},
			alerting.EventAlertResolved:     {},
		},
		clock:         wallClock{},
		logger:        zerolog.Nop(),
		lookupTimeout: 5 * time.Second,
		escalateFrom:  alerting.SeverityHigh,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.throttle = newThrottle(n.cooldown, n.dedupeWindow)
	n.pending = newEscalations(n.escalateAfter, n.escalate)
	return n, nil
}

// Deliver implements Sink.
func (n *Notifier) Deliver(ctx context.Context, event alerting.Event) error {
	if event.Alert == nil {
		return nil
	}
	alert := *event.Alert
	switch event.Kind {
	case alerting.EventAlertCreated:
		if alert.Severity.AtLeast(n.escalateFrom) {
			n.pending.arm(alert.ID)
		}
	case alerting.EventAlertAcknowledged, alerting.EventAlertResolved:
		n.pending.disarm(alert.ID)
	}
	if _, ok := n.kinds[event.Kind]; !ok {
		return nil
	}
	return n.send(ctx, string(event.Kind), alert)
}

// Close cancels pending escalations.
func (n *Notifier) Close() {
	n.pending.stop()
}

func (n *Notifier) send(ctx context.Context, kind string, alert alerting.Alert) error {
	msg := Message{Kind: kind, Alert: alert}
	if n.reportURL != nil {
		msg.ReportURL = n.reportURL(ctx, alert)
	}
	msg, err := n.template.Render(msg)
	if err != nil {
		return err
	}
	key := alert.ID + "/" + kind
	digest := xxhash.Sum64String(msg.Text)
	now := n.clock.Now()
	if !n.throttle.allow(key, digest, now) {
		n.logger.Debug().Str("alert_id", alert.ID).Str("kind", kind).Msg("notification throttled")
		return nil
	}
	if err := n.channel.Send(ctx, msg); err != nil {
		return err
	}
	n.throttle.record(key, digest, now)
	return nil
}

func (n *Notifier) escalate(alertID string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.lookupTimeout)
	defer cancel()
	alert, err := n.alerts.GetAlert(ctx, alertID)
	if err != nil {
		n.logger.Warn().Err(err).Str("alert_id", alertID).Msg("escalation lookup failed")
		return
	}
	if alert.Status != alerting.StatusActive {
		return
	}
	if err := n.send(ctx, kindEscalated, alert); err != nil {
		n.logger.Warn().Err(err).Str("alert_id", alertID).Msg("escalation notification failed")
	}
}

type sent struct {
	at     time.Time
	digest uint64
}

// throttle remembers the last send per alert and kind.
type throttle struct {
	cooldown time.Duration
	window   time.Duration
	mu       sync.Mutex
	last     map[string]sent
}

func newThrottle(cooldown, window time.Duration) *throttle {
	return &throttle{cooldown: cooldown, window: window, last: make(map[string]sent)}
}

func (t *throttle) allow(key string, digest uint64, now time.Time) bool {
	if t.cooldown <= 0 && t.window <= 0 {
		return true
	}
	t.mu.Lock()
	prev, ok := t.last[key]
	t.mu.Unlock()
	if !ok {
		return true
	}
	age := now.Sub(prev.at)
	if t.cooldown > 0 && age < t.cooldown {
		return false
	}
	return !(t.window > 0 && age < t.window && prev.digest == digest)
}

func (t *throttle) record(key string, digest uint64, now time.Time) {
	if t.cooldown <= 0 && t.window <= 0 {
		return
	}
	t.mu.Lock()
	t.last[key] = sent{at: now, digest: digest}
	t.mu.Unlock()
}

// escalations holds one timer per armed alert.
type escalations struct {
	after  time.Duration
	fire   func(alertID string)
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newEscalations(after time.Duration, fire func(string)) *escalations {
	return &escalations{after: after, fire: fire, timers: make(map[string]*time.Timer)}
}

func (e *escalations) arm(alertID string) {
	if e.after <= 0 || alertID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev := e.timers[alertID]; prev != nil {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(e.after, func() {
		e.mu.Lock()
		current := e.timers[alertID] == timer
		if current {
			delete(e.timers, alertID)
		}
		e.mu.Unlock()
		if current {
			e.fire(alertID)
		}
	})
	e.timers[alertID] = timer
}

func (e *escalations) disarm(alertID string) {
	e.mu.Lock()
	timer := e.timers[alertID]
	delete(e.timers, alertID)
	e.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (e *escalations) stop() {
	e.mu.Lock()
	timers := e.timers
	e.timers = make(map[string]*time.Timer)
	e.mu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
