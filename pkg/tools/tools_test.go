package tools_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-labs/aide-go/pkg/tools"
)

type fakeEmail struct {
	emails []tools.EmailSummary
	err    error

	lastQuery string
	lastLimit int
}

func (f *fakeEmail) RecentEmails(ctx context.Context, limit int) ([]tools.EmailSummary, error) {
	f.lastLimit = limit
	return f.emails, f.err
}

func (f *fakeEmail) SearchEmails(ctx context.Context, query string, limit int) ([]tools.EmailSummary, error) {
	f.lastQuery = query
	f.lastLimit = limit
	return f.emails, f.err
}

func (f *fakeEmail) ImportantEmails(ctx context.Context, days, limit int) ([]tools.EmailSummary, error) {
	return f.emails, f.err
}

func (f *fakeEmail) Close() error { return nil }

type fakeCalendar struct {
	events []tools.Event
	free   bool
	err    error
}

func (f *fakeCalendar) UpcomingEvents(ctx context.Context, days int) ([]tools.Event, error) {
	return f.events, f.err
}

func (f *fakeCalendar) TodaySchedule(ctx context.Context) ([]tools.Event, error) {
	return f.events, f.err
}

func (f *fakeCalendar) FreeBetween(ctx context.Context, start, end time.Time) (bool, []tools.Event, error) {
	return f.free, f.events, f.err
}

func (f *fakeCalendar) Close() error { return nil }

func TestRegistry_UnconfiguredCapability(t *testing.T) {
	registry := tools.NewRegistry()

	assert.False(t, registry.Has(tools.CapabilityEmail))
	assert.False(t, registry.Has(tools.CapabilityCalendar))

	_, err := registry.Invoke(context.Background(), tools.Request{Action: tools.ActionRecentEmails})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tools.ErrUnavailable))
}

func TestRegistry_UnknownAction(t *testing.T) {
	registry := tools.NewRegistry(tools.WithEmail(&fakeEmail{}))

	_, err := registry.Invoke(context.Background(), tools.Request{Action: "launch_rocket"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, tools.ErrUnavailable))
}

func TestRegistry_EmailDispatch(t *testing.T) {
	email := &fakeEmail{emails: []tools.EmailSummary{
		{From: "pm@example.com", Subject: "Orion delayed", Unread: true, Date: time.Now()},
	}}
	registry := tools.NewRegistry(tools.WithEmail(email))

	result, err := registry.Invoke(context.Background(), tools.Request{
		Action: tools.ActionSearchEmails,
		Query:  "orion",
		Limit:  3,
	})
	require.NoError(t, err)

	assert.Equal(t, tools.CapabilityEmail, result.Capability)
	assert.Equal(t, "orion", email.lastQuery)
	assert.Equal(t, 3, email.lastLimit)
	require.Len(t, result.Emails, 1)
	assert.Empty(t, result.Events)
}

func TestRegistry_DefaultLimits(t *testing.T) {
	email := &fakeEmail{}
	registry := tools.NewRegistry(tools.WithEmail(email))

	_, err := registry.Invoke(context.Background(), tools.Request{Action: tools.ActionRecentEmails})
	require.NoError(t, err)
	assert.Equal(t, 10, email.lastLimit)
}

func TestRegistry_AvailabilityCheck(t *testing.T) {
	calendar := &fakeCalendar{free: false, events: []tools.Event{
		{Title: "Standup", Start: time.Now(), End: time.Now().Add(30 * time.Minute)},
	}}
	registry := tools.NewRegistry(tools.WithCalendar(calendar))

	start := time.Now()
	result, err := registry.Invoke(context.Background(), tools.Request{
		Action: tools.ActionCheckAvailability,
		Start:  start,
		End:    start.Add(time.Hour),
	})
	require.NoError(t, err)

	assert.False(t, result.Available)
	assert.Len(t, result.Events, 1)
	assert.Equal(t, start, result.WindowStart)
}

func TestRegistry_IntegrationError(t *testing.T) {
	registry := tools.NewRegistry(tools.WithCalendar(&fakeCalendar{err: errors.New("connection refused")}))

	_, err := registry.Invoke(context.Background(), tools.Request{Action: tools.ActionTodaySchedule})
	require.Error(t, err)
	assert.False(t, errors.Is(err, tools.ErrUnavailable))
}

func TestResult_FormatEmails(t *testing.T) {
	result := &tools.Result{
		Capability: tools.CapabilityEmail,
		Action:     tools.ActionRecentEmails,
		Emails: []tools.EmailSummary{
			{From: "pm@example.com", Subject: "Orion delayed", Snippet: "Slipping a week.", Unread: true, Date: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)},
		},
	}

	text := result.Format()
	assert.Contains(t, text, "pm@example.com")
	assert.Contains(t, text, "Orion delayed")
	assert.Contains(t, text, "[unread]")
	assert.Contains(t, text, "Slipping a week.")
}

func TestResult_FormatEmptyCalendar(t *testing.T) {
	result := &tools.Result{
		Capability: tools.CapabilityCalendar,
		Action:     tools.ActionUpcomingEvents,
	}
	assert.Equal(t, "No events in that window.", result.Format())
}

func TestCapabilityFor(t *testing.T) {
	c, ok := tools.CapabilityFor(tools.ActionRecentEmails)
	require.True(t, ok)
	assert.Equal(t, tools.CapabilityEmail, c)

	c, ok = tools.CapabilityFor(tools.ActionCheckAvailability)
	require.True(t, ok)
	assert.Equal(t, tools.CapabilityCalendar, c)

	_, ok = tools.CapabilityFor("launch_rocket")
	assert.False(t, ok)
}
