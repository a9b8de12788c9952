package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	to      []string
	subject []string
	body    []string
	err     error
}

func (c *captureSender) Send(_ context.Context, to, subject, body string) error {
	c.to = append(c.to, to)
	c.subject = append(c.subject, subject)
	c.body = append(c.body, body)
	return c.err
}

func TestAdminCredential(t *testing.T) {
	sender := &captureSender{}
	n := New(sender, slog.Default())

	n.AdminCredential(context.Background(), "owner@acme.com", "https://acme.perch.app", "s3cret-pw")

	require.Len(t, sender.to, 1)
	assert.Equal(t, "owner@acme.com", sender.to[0])
	assert.Equal(t, "Your workspace is ready", sender.subject[0])
	assert.True(t, strings.Contains(sender.body[0], "https://acme.perch.app"))
	assert.True(t, strings.Contains(sender.body[0], "s3cret-pw"))
}

func TestTrialEndedAndPaymentRequired(t *testing.T) {
	sender := &captureSender{}
	n := New(sender, slog.Default())
	ctx := context.Background()

	n.TrialEnded(ctx, "owner@acme.com", "Acme")
	n.PaymentRequired(ctx, "owner@acme.com", "Acme")

	require.Len(t, sender.subject, 2)
	assert.Equal(t, "Your trial has ended", sender.subject[0])
	assert.Equal(t, "Payment required", sender.subject[1])
	assert.True(t, strings.Contains(sender.body[0], "Acme"))
}

func TestSendFailureSwallowed(t *testing.T) {
	sender := &captureSender{err: errors.New("relay down")}
	n := New(sender, slog.Default())

	// Must not panic or surface the error.
	n.TrialEnded(context.Background(), "owner@acme.com", "Acme")
	assert.Len(t, sender.to, 1)
}

func TestNopSender(t *testing.T) {
	assert.NoError(t, NopSender{}.Send(context.Background(), "a@b.c", "s", "b"))
}
