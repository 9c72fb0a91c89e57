package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	name string
	err  error
	sent []Notification
}

func (c *stubChannel) Name() string { return c.name }

func (c *stubChannel) Send(_ context.Context, n Notification) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func TestNotifierPrefersPrimary(t *testing.T) {
	primary := &stubChannel{name: "primary"}
	fallback := &stubChannel{name: "fallback"}
	n := New(primary, fallback, time.Second, nil)

	n.Send(context.Background(), Notification{Kind: KindFiring, Rule: "high_error_rate"})
	assert.Len(t, primary.sent, 1)
	assert.Empty(t, fallback.sent)
}

func TestNotifierFallsBack(t *testing.T) {
	primary := &stubChannel{name: "primary", err: errors.New("down")}
	fallback := &stubChannel{name: "fallback"}
	n := New(primary, fallback, time.Second, nil)

	n.Send(context.Background(), Notification{Kind: KindFiring, Rule: "high_error_rate"})
	require.Len(t, fallback.sent, 1)
	assert.Equal(t, "high_error_rate", fallback.sent[0].Rule)
}

// hangingChannel blocks until its context expires, like a webhook
// endpoint that accepts the connection and never responds.
type hangingChannel struct{ name string }

func (c hangingChannel) Name() string { return c.name }

func (c hangingChannel) Send(ctx context.Context, _ Notification) error {
	<-ctx.Done()
	return ctx.Err()
}

// deadlineChannel honors the context the way the real webhook channel
// does: an already-expired context delivers nothing.
type deadlineChannel struct {
	name string
	sent []Notification
}

func (c *deadlineChannel) Name() string { return c.name }

func (c *deadlineChannel) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sent = append(c.sent, n)
	return nil
}

func TestNotifierHangingPrimaryDoesNotStarveFallback(t *testing.T) {
	fallback := &deadlineChannel{name: "fallback"}
	n := New(hangingChannel{name: "primary"}, fallback, 50*time.Millisecond, nil)

	n.Send(context.Background(), Notification{Kind: KindFiring, Rule: "high_error_rate"})
	require.Len(t, fallback.sent, 1, "fallback must get a fresh timeout budget")
	assert.Equal(t, "high_error_rate", fallback.sent[0].Rule)
}

func TestNotifierSurvivesTotalFailure(t *testing.T) {
	primary := &stubChannel{name: "primary", err: errors.New("down")}
	fallback := &stubChannel{name: "fallback", err: errors.New("also down")}
	n := New(primary, fallback, time.Second, nil)

	// must not panic or block; the loss is logged and counted
	n.Send(context.Background(), Notification{Kind: KindResolved, Rule: "high_error_rate"})
}

func TestWebhookChannelPosts(t *testing.T) {
	var gotPath, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("primary", srv.URL+"/hook")
	err := ch.Send(context.Background(), Notification{Kind: KindFiring, Rule: "disk_space_low"})
	require.NoError(t, err)
	assert.Equal(t, "/hook", gotPath)
	assert.Equal(t, "application/json", gotType)
}

func TestWebhookChannelRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("primary", srv.URL)
	err := ch.Send(context.Background(), Notification{Kind: KindFiring})
	assert.Error(t, err)
}
