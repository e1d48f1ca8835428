// ABOUTME: Notification dispatcher that mails a transcript summary once per conversation
// ABOUTME: Geolocation failures degrade to a placeholder; delivery failures are logged, never retried

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/assistant-relay/internal/conversation"
	"github.com/2389/assistant-relay/internal/metrics"
)

// ErrNotificationFailed wraps every delivery failure reported by Dispatch.
var ErrNotificationFailed = errors.New("notification failed")

// Geolocator maps an IP address to a human-readable location.
type Geolocator interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// Mailer delivers a rendered notification.
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// Mail is one outgoing notification.
type Mail struct {
	To      string
	Subject string
	Text    string
	HTML    string // optional alternative part
}

// Outcome is the result of one dispatch.
type Outcome struct {
	Delivered bool
	Err       error
}

func (o Outcome) String() string {
	if o.Delivered {
		return "delivered"
	}
	return "failed"
}

// Config configures a Dispatcher.
type Config struct {
	Recipient string
	Subject   string
	Location  *time.Location
	HTML      bool

	Geolocator Geolocator
	Mailer     Mailer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Dispatcher renders and delivers conversation transcripts.
type Dispatcher struct {
	recipient string
	subject   string
	location  *time.Location
	html      bool

	geo     Geolocator
	mailer  Mailer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. Geolocator may be nil, in which case
// every location renders as UnknownLocation.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Subject == "" {
		cfg.Subject = "Chat transcript"
	}
	return &Dispatcher{
		recipient: cfg.Recipient,
		subject:   cfg.Subject,
		location:  cfg.Location,
		html:      cfg.HTML,
		geo:       cfg.Geolocator,
		mailer:    cfg.Mailer,
		logger:    cfg.Logger.With("component", "notify"),
		metrics:   cfg.Metrics,
	}
}

// Dispatch renders snap and hands it to the mailer.
func (d *Dispatcher) Dispatch(ctx context.Context, snap conversation.Snapshot) Outcome {
	location := d.locate(ctx, snap)

	mail := Mail{
		To:      d.recipient,
		Subject: fmt.Sprintf("%s (%s, %s)", d.subject, snap.Reason, FormatDuration(snap.Duration())),
		Text:    Render(snap, location, d.location),
	}
	if d.html {
		html, err := RenderHTML(snap, location, d.location)
		if err != nil {
			d.logger.Warn("html rendering failed, sending text only",
				"session_key", snap.SessionKey,
				"error", err)
		} else {
			mail.HTML = html
		}
	}

	if d.mailer == nil {
		return d.fail(snap, errors.New("no mailer configured"))
	}
	if err := d.mailer.Send(ctx, mail); err != nil {
		return d.fail(snap, err)
	}

	d.metrics.Notification("delivered")
	d.logger.Info("notification delivered",
		"session_key", snap.SessionKey,
		"reason", snap.Reason,
		"messages", len(snap.Transcript))
	return Outcome{Delivered: true}
}

// Notify implements conversation.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, snap conversation.Snapshot) error {
	return d.Dispatch(ctx, snap).Err
}

func (d *Dispatcher) locate(ctx context.Context, snap conversation.Snapshot) string {
	if d.geo == nil || snap.RemoteAddress == "" {
		return UnknownLocation
	}
	location, err := d.geo.Locate(ctx, snap.RemoteAddress)
	if err != nil || location == "" {
		d.logger.Warn("geolocation failed",
			"session_key", snap.SessionKey,
			"remote_addr", snap.RemoteAddress,
			"error", err)
		return UnknownLocation
	}
	return location
}

func (d *Dispatcher) fail(snap conversation.Snapshot, err error) Outcome {
	d.metrics.Notification("failed")
	d.logger.Error("notification delivery failed",
		"session_key", snap.SessionKey,
		"reason", snap.Reason,
		"error", err)
	return Outcome{Err: fmt.Errorf("%w: %v", ErrNotificationFailed, err)}
}
