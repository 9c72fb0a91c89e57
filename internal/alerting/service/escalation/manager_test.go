package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/vigil/internal/alerting/service/notify"
	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

type captureChannel struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureChannel) last() notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

func testManager(ch *captureChannel, repage time.Duration) *Manager {
	notifier := notify.New(ch, nil, time.Second, nil)
	return NewManager(Config{
		Ladder: []ContactTier{
			{Name: "primary-oncall", Channel: "primary"},
			{Name: "secondary-oncall", Channel: "primary"},
		},
		RepageBackoff:   repage,
		CriticalWindow:  10 * time.Millisecond,
		WarningWindow:   50 * time.Millisecond,
		MaxRepageWindow: time.Second,
	}, notifier, nil, nil)
}

func alertKey() ruleengine.AlertKey {
	return ruleengine.AlertKey{Rule: "high_error_rate"}
}

func TestCancelBeforeWindowNeverPages(t *testing.T) {
	ch := &captureChannel{}
	m := testManager(ch, time.Hour)

	m.Arm(alertKey(), "high_error_rate", ruleset.SeverityCritical, nil, "alert firing", 50*time.Millisecond)
	m.Cancel(alertKey())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ch.count(), "resolved before the window, nobody should be paged")
	assert.Empty(t, m.Open())
}

func TestEscalationOpensTicketAndPages(t *testing.T) {
	ch := &captureChannel{}
	m := testManager(ch, time.Hour)

	m.Arm(alertKey(), "high_error_rate", ruleset.SeverityCritical, map[string]string{"service": "api"}, "alert firing", 5*time.Millisecond)

	require.Eventually(t, func() bool { return ch.count() == 1 }, time.Second, time.Millisecond)
	n := ch.last()
	assert.Equal(t, notify.KindEscalation, n.Kind)
	assert.Equal(t, "primary-oncall", n.Contact)

	tickets := m.Open()
	require.Len(t, tickets, 1)
	assert.Equal(t, "high_error_rate", tickets[0].Rule)
	assert.False(t, tickets[0].Acknowledged)

	m.Cancel(alertKey())
	assert.Empty(t, m.Open())
}

func TestEscalationWalksLadder(t *testing.T) {
	ch := &captureChannel{}
	m := testManager(ch, 10*time.Millisecond)

	m.ArmImmediate(alertKey(), "high_error_rate", ruleset.SeverityCritical, nil, "no runbook registered")

	require.Eventually(t, func() bool { return ch.count() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "secondary-oncall", ch.last().Contact)
	m.Cancel(alertKey())
}

func TestAckStopsRepaging(t *testing.T) {
	ch := &captureChannel{}
	m := testManager(ch, 20*time.Millisecond)

	m.ArmImmediate(alertKey(), "high_error_rate", ruleset.SeverityWarning, nil, "alert firing")
	require.Eventually(t, func() bool { return ch.count() == 1 }, time.Second, time.Millisecond)

	tickets := m.Open()
	require.Len(t, tickets, 1)
	_, err := m.Ack(context.Background(), tickets[0].ID, "dana")
	require.NoError(t, err)

	before := ch.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, ch.count(), "acknowledged tickets stay quiet")

	tickets = m.Open()
	require.Len(t, tickets, 1, "ack keeps the ticket open until resolution")
	assert.True(t, tickets[0].Acknowledged)
	assert.Equal(t, "dana", tickets[0].AckedBy)
	m.Cancel(alertKey())
}

func TestSeverityIncreaseResumesAfterAck(t *testing.T) {
	ch := &captureChannel{}
	m := testManager(ch, time.Hour)

	m.ArmImmediate(alertKey(), "high_error_rate", ruleset.SeverityWarning, nil, "alert firing")
	require.Eventually(t, func() bool { return ch.count() == 1 }, time.Second, time.Millisecond)

	tickets := m.Open()
	require.Len(t, tickets, 1)
	_, err := m.Ack(context.Background(), tickets[0].ID, "dana")
	require.NoError(t, err)

	// things got worse: the ack no longer counts
	m.Arm(alertKey(), "high_error_rate", ruleset.SeverityCritical, nil, "alert firing", 5*time.Millisecond)
	require.Eventually(t, func() bool { return ch.count() >= 2 }, time.Second, time.Millisecond)

	tickets = m.Open()
	require.Len(t, tickets, 1)
	assert.False(t, tickets[0].Acknowledged)
	m.Cancel(alertKey())
}

func TestAckUnknownTicket(t *testing.T) {
	m := testManager(&captureChannel{}, time.Hour)
	_, err := m.Ack(context.Background(), uuid.New(), "dana")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}
