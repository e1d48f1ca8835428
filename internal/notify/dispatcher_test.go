// ABOUTME: Tests for the notification dispatcher
// ABOUTME: Covers geolocation fallback, delivery failure outcomes, and the HTML alternative

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/assistant-relay/internal/metrics"
)

type stubGeo struct {
	location string
	err      error
	calls    []string
}

func (g *stubGeo) Locate(ctx context.Context, ip string) (string, error) {
	g.calls = append(g.calls, ip)
	return g.location, g.err
}

type capturingMailer struct {
	mu   sync.Mutex
	sent []Mail
	err  error
}

func (m *capturingMailer) Send(ctx context.Context, mail Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mail)
	return m.err
}

func TestDispatcher_Delivers(t *testing.T) {
	geo := &stubGeo{location: "Lyon, Auvergne-Rhone-Alpes, France"}
	mailer := &capturingMailer{}
	d := NewDispatcher(Config{
		Recipient:  "ops@example.com",
		Subject:    "Website chat",
		Geolocator: geo,
		Mailer:     mailer,
	})

	outcome := d.Dispatch(context.Background(), testSnapshot())

	assert.True(t, outcome.Delivered)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, "delivered", outcome.String())
	assert.Equal(t, []string{"203.0.113.7"}, geo.calls)

	require.Len(t, mailer.sent, 1)
	mail := mailer.sent[0]
	assert.Equal(t, "ops@example.com", mail.To)
	assert.Equal(t, "Website chat (inactivity, 5m 7s)", mail.Subject)
	assert.Contains(t, mail.Text, "Location: Lyon, Auvergne-Rhone-Alpes, France\n")
	assert.Empty(t, mail.HTML)
}

func TestDispatcher_GeolocationFailureUsesPlaceholder(t *testing.T) {
	mailer := &capturingMailer{}
	d := NewDispatcher(Config{
		Recipient:  "ops@example.com",
		Geolocator: &stubGeo{err: errors.New("lookup timed out")},
		Mailer:     mailer,
	})

	outcome := d.Dispatch(context.Background(), testSnapshot())

	require.True(t, outcome.Delivered)
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].Text, "Location: "+UnknownLocation+"\n")
}

func TestDispatcher_NoRemoteAddressSkipsLookup(t *testing.T) {
	geo := &stubGeo{location: "nowhere"}
	d := NewDispatcher(Config{Geolocator: geo, Mailer: &capturingMailer{}})

	snap := testSnapshot()
	snap.RemoteAddress = ""
	d.Dispatch(context.Background(), snap)

	assert.Empty(t, geo.calls)
}

func TestDispatcher_DeliveryFailure(t *testing.T) {
	m := metrics.New()
	d := NewDispatcher(Config{
		Recipient: "ops@example.com",
		Mailer:    &capturingMailer{err: errors.New("connection refused")},
		Metrics:   m,
	})

	outcome := d.Dispatch(context.Background(), testSnapshot())

	assert.False(t, outcome.Delivered)
	assert.ErrorIs(t, outcome.Err, ErrNotificationFailed)
	assert.Equal(t, "failed", outcome.String())

	err := d.Notify(context.Background(), testSnapshot())
	assert.ErrorIs(t, err, ErrNotificationFailed)
}

func TestDispatcher_NoMailer(t *testing.T) {
	d := NewDispatcher(Config{})
	outcome := d.Dispatch(context.Background(), testSnapshot())
	assert.ErrorIs(t, outcome.Err, ErrNotificationFailed)
}

func TestDispatcher_HTMLAlternative(t *testing.T) {
	mailer := &capturingMailer{}
	d := NewDispatcher(Config{
		Recipient: "ops@example.com",
		HTML:      true,
		Location:  time.UTC,
		Mailer:    mailer,
	})

	require.True(t, d.Dispatch(context.Background(), testSnapshot()).Delivered)
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].HTML, "<strong>user:</strong> hello")
}
