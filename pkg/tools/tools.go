// Package tools defines the closed set of side-channel capabilities the
// assistant can consult while answering a turn: reading email and reading
// the calendar. Each capability has a typed request and result contract,
// and a Registry dispatches requests to whichever integrations are
// configured. A capability that is not configured is reported as
// unavailable rather than failing the turn.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable indicates that the requested capability has no
// configured integration. Callers should degrade gracefully and tell
// the user the capability is not set up.
var ErrUnavailable = errors.New("capability not configured")

// Capability identifies one of the assistant's side channels.
type Capability string

const (
	// CapabilityEmail reads the user's mailbox over IMAP.
	CapabilityEmail Capability = "email"
	// CapabilityCalendar reads the user's calendar over CalDAV.
	CapabilityCalendar Capability = "calendar"
)

// Action identifies a concrete operation within a capability.
type Action string

const (
	// ActionRecentEmails fetches the newest messages in the inbox.
	ActionRecentEmails Action = "recent_emails"
	// ActionSearchEmails searches the inbox for a query string.
	ActionSearchEmails Action = "search_emails"
	// ActionImportantEmails fetches recent unread messages.
	ActionImportantEmails Action = "important_emails"

	// ActionUpcomingEvents lists events over the next N days.
	ActionUpcomingEvents Action = "upcoming_events"
	// ActionTodaySchedule lists the remaining events for today.
	ActionTodaySchedule Action = "today_schedule"
	// ActionCheckAvailability reports whether a time window is free.
	ActionCheckAvailability Action = "check_availability"
)

// CapabilityFor returns the capability an action belongs to.
func CapabilityFor(action Action) (Capability, bool) {
	switch action {
	case ActionRecentEmails, ActionSearchEmails, ActionImportantEmails:
		return CapabilityEmail, true
	case ActionUpcomingEvents, ActionTodaySchedule, ActionCheckAvailability:
		return CapabilityCalendar, true
	default:
		return "", false
	}
}

// Request describes one capability invocation. Only the fields relevant
// to the action need to be set.
type Request struct {
	// Action selects the operation to run.
	Action Action
	// Query is the search text for ActionSearchEmails.
	Query string
	// Days bounds lookback or lookahead windows. Zero means the
	// action's default.
	Days int
	// Limit caps the number of returned items. Zero means the
	// action's default.
	Limit int
	// Start and End delimit the window for ActionCheckAvailability.
	Start time.Time
	End   time.Time
}

// EmailSummary is a condensed view of one mailbox message.
type EmailSummary struct {
	From    string
	Subject string
	Snippet string
	Date    time.Time
	Unread  bool
}

// Event is a condensed view of one calendar entry.
type Event struct {
	Title    string
	Location string
	Start    time.Time
	End      time.Time
	AllDay   bool
}

// Result carries the typed outcome of one capability invocation.
// Exactly one of the payload fields is populated, depending on the
// action's capability.
type Result struct {
	Capability Capability
	Action     Action

	// Emails is set for email actions.
	Emails []EmailSummary
	// Events is set for calendar actions.
	Events []Event
	// Available is set for ActionCheckAvailability, along with the
	// window that was checked.
	Available   bool
	WindowStart time.Time
	WindowEnd   time.Time
}

// Format renders the result as plain text suitable for inclusion in a
// model prompt.
func (r *Result) Format() string {
	var b strings.Builder
	switch r.Capability {
	case CapabilityEmail:
		if len(r.Emails) == 0 {
			b.WriteString("No matching emails found.")
			break
		}
		fmt.Fprintf(&b, "Emails (%d):\n", len(r.Emails))
		for _, e := range r.Emails {
			marker := ""
			if e.Unread {
				marker = " [unread]"
			}
			fmt.Fprintf(&b, "- %s: %q%s (%s)\n", e.From, e.Subject, marker, e.Date.Format("Jan 2 15:04"))
			if e.Snippet != "" {
				fmt.Fprintf(&b, "  %s\n", e.Snippet)
			}
		}
	case CapabilityCalendar:
		if r.Action == ActionCheckAvailability {
			if r.Available {
				fmt.Fprintf(&b, "The window %s to %s is free.", r.WindowStart.Format("Jan 2 15:04"), r.WindowEnd.Format("15:04"))
			} else {
				fmt.Fprintf(&b, "The window is busy (%d conflicting events):\n", len(r.Events))
				for _, ev := range r.Events {
					fmt.Fprintf(&b, "- %s (%s to %s)\n", ev.Title, ev.Start.Format("Jan 2 15:04"), ev.End.Format("15:04"))
				}
			}
			break
		}
		if len(r.Events) == 0 {
			b.WriteString("No events in that window.")
			break
		}
		fmt.Fprintf(&b, "Events (%d):\n", len(r.Events))
		for _, ev := range r.Events {
			when := ev.Start.Format("Mon Jan 2 15:04")
			if ev.AllDay {
				when = ev.Start.Format("Mon Jan 2") + " (all day)"
			}
			fmt.Fprintf(&b, "- %s at %s", ev.Title, when)
			if ev.Location != "" {
				fmt.Fprintf(&b, ", %s", ev.Location)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// EmailReader reads a mailbox. Implementations must be goroutine-safe.
type EmailReader interface {
	// RecentEmails returns the newest inbox messages, newest first.
	RecentEmails(ctx context.Context, limit int) ([]EmailSummary, error)
	// SearchEmails returns messages matching the query, newest first.
	SearchEmails(ctx context.Context, query string, limit int) ([]EmailSummary, error)
	// ImportantEmails returns unread messages from the last days days.
	ImportantEmails(ctx context.Context, days, limit int) ([]EmailSummary, error)
	// Close releases the underlying connection.
	Close() error
}

// CalendarReader reads a calendar. Implementations must be
// goroutine-safe.
type CalendarReader interface {
	// UpcomingEvents returns events starting within the next days
	// days, soonest first.
	UpcomingEvents(ctx context.Context, days int) ([]Event, error)
	// TodaySchedule returns events that overlap the rest of today.
	TodaySchedule(ctx context.Context) ([]Event, error)
	// FreeBetween reports whether the window is free of events and
	// returns any conflicting events.
	FreeBetween(ctx context.Context, start, end time.Time) (bool, []Event, error)
	// Close releases the underlying connection.
	Close() error
}

// Registry dispatches capability requests to configured integrations.
// Integrations are optional; requests for an unconfigured capability
// fail with ErrUnavailable.
type Registry struct {
	email    EmailReader
	calendar CalendarReader
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEmail attaches an email integration.
func WithEmail(r EmailReader) RegistryOption {
	return func(reg *Registry) { reg.email = r }
}

// WithCalendar attaches a calendar integration.
func WithCalendar(r CalendarReader) RegistryOption {
	return func(reg *Registry) { reg.calendar = r }
}

// NewRegistry creates a Registry with the given integrations.
func NewRegistry(opts ...RegistryOption) *Registry {
	reg := &Registry{}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Has reports whether an integration is configured for the capability.
func (reg *Registry) Has(c Capability) bool {
	switch c {
	case CapabilityEmail:
		return reg.email != nil
	case CapabilityCalendar:
		return reg.calendar != nil
	default:
		return false
	}
}

// Capabilities returns the configured capabilities in a stable order.
func (reg *Registry) Capabilities() []Capability {
	var caps []Capability
	if reg.email != nil {
		caps = append(caps, CapabilityEmail)
	}
	if reg.calendar != nil {
		caps = append(caps, CapabilityCalendar)
	}
	return caps
}

// Invoke runs one capability request and returns its typed result.
// Unknown actions are an error; a missing integration returns an error
// wrapping ErrUnavailable.
func (reg *Registry) Invoke(ctx context.Context, req Request) (*Result, error) {
	c, ok := CapabilityFor(req.Action)
	if !ok {
		return nil, fmt.Errorf("invoke: unknown action %q", req.Action)
	}
	if !reg.Has(c) {
		return nil, fmt.Errorf("invoke %s: %w", c, ErrUnavailable)
	}

	res := &Result{Capability: c, Action: req.Action}
	var err error

	switch req.Action {
	case ActionRecentEmails:
		res.Emails, err = reg.email.RecentEmails(ctx, defaultLimit(req.Limit, 10))
	case ActionSearchEmails:
		res.Emails, err = reg.email.SearchEmails(ctx, req.Query, defaultLimit(req.Limit, 10))
	case ActionImportantEmails:
		res.Emails, err = reg.email.ImportantEmails(ctx, defaultLimit(req.Days, 3), defaultLimit(req.Limit, 10))
	case ActionUpcomingEvents:
		res.Events, err = reg.calendar.UpcomingEvents(ctx, defaultLimit(req.Days, 7))
	case ActionTodaySchedule:
		res.Events, err = reg.calendar.TodaySchedule(ctx)
	case ActionCheckAvailability:
		start, end := req.Start, req.End
		if start.IsZero() {
			start = time.Now()
		}
		if end.IsZero() {
			end = start.Add(time.Hour)
		}
		res.WindowStart, res.WindowEnd = start, end
		res.Available, res.Events, err = reg.calendar.FreeBetween(ctx, start, end)
	}
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", req.Action, err)
	}
	return res, nil
}

// Close closes all configured integrations, returning the first error.
func (reg *Registry) Close() error {
	var first error
	if reg.email != nil {
		if err := reg.email.Close(); err != nil && first == nil {
			first = err
		}
	}
	if reg.calendar != nil {
		if err := reg.calendar.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func defaultLimit(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
