// ABOUTME: Tests for the SMTP mailer message construction and send path
// ABOUTME: The network send is replaced with a capturing function

package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newCapturingSMTP(username string, sendErr error) (*SMTPMailer, *[]sentMail) {
	var sent []sentMail
	m := NewSMTPMailer("smtp.example.com", 587, username, "secret", "relay@example.com")
	m.now = func() time.Time { return start }
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)})
		return sendErr
	}
	return m, &sent
}

func TestSMTPMailer_PlainText(t *testing.T) {
	m, sent := newCapturingSMTP("relay", nil)

	err := m.Send(context.Background(), Mail{To: "ops@example.com", Subject: "Chat", Text: "user: hello\n"})
	require.NoError(t, err)

	require.Len(t, *sent, 1)
	got := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", got.addr)
	assert.NotNil(t, got.auth)
	assert.Equal(t, "relay@example.com", got.from)
	assert.Equal(t, []string{"ops@example.com"}, got.to)
	assert.Contains(t, got.msg, "Subject: Chat\r\n")
	assert.Contains(t, got.msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	assert.Contains(t, got.msg, "user: hello")
}

func TestSMTPMailer_Multipart(t *testing.T) {
	m, sent := newCapturingSMTP("", nil)

	err := m.Send(context.Background(), Mail{
		To:      "ops@example.com",
		Subject: "Chat",
		Text:    "user: hello\n",
		HTML:    "<p><strong>user:</strong> hello</p>",
	})
	require.NoError(t, err)

	got := (*sent)[0]
	assert.Nil(t, got.auth, "no auth without a username")
	assert.Contains(t, got.msg, "multipart/alternative; boundary=")
	assert.Contains(t, got.msg, "text/html; charset=UTF-8")
	assert.Equal(t, 2, strings.Count(got.msg, "Content-Transfer-Encoding: quoted-printable"))
}

func TestSMTPMailer_SendError(t *testing.T) {
	m, _ := newCapturingSMTP("relay", errors.New("554 rejected"))

	err := m.Send(context.Background(), Mail{To: "ops@example.com", Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "554 rejected")
}

func TestSMTPMailer_RequiresRecipient(t *testing.T) {
	m, sent := newCapturingSMTP("relay", nil)

	err := m.Send(context.Background(), Mail{Text: "x"})
	assert.Error(t, err)
	assert.Empty(t, *sent)
}

func TestSMTPMailer_ContextCancelled(t *testing.T) {
	m := NewSMTPMailer("smtp.example.com", 25, "", "", "relay@example.com")
	block := make(chan struct{})
	defer close(block)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Send(ctx, Mail{To: "ops@example.com", Text: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogMailer(t *testing.T) {
	assert.NoError(t, LogMailer{}.Send(context.Background(), Mail{To: "x", Text: "a\nb\n"}))
}
