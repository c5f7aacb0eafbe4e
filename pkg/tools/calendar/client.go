// Package calendar implements the calendar capability over CalDAV. It
// discovers the account's event calendars once, then answers window
// queries (upcoming events, today's schedule, availability checks)
// against all of them.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/aide-labs/aide-go/pkg/tools"
)

// Config holds CalDAV account settings.
type Config struct {
	// Endpoint is the CalDAV server URL.
	Endpoint string
	Username string
	Password string
	// CalendarPath, if set, skips discovery and queries only the
	// given calendar collection.
	CalendarPath string
	// Timezone for interpreting floating event times. Defaults to
	// time.Local.
	Timezone *time.Location
}

// Client reads events from a CalDAV account. It implements
// tools.CalendarReader. All public methods are goroutine-safe.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *caldav.Client
	paths  []string
}

var _ tools.CalendarReader = (*Client)(nil)

// NewClient creates a CalDAV reader for the given account. Calendar
// discovery happens lazily on first query.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.Local
	}
	return &Client{cfg: cfg, logger: logger}
}

// ensureDiscovered connects and resolves the calendar collection paths.
// Caller must hold c.mu.
func (c *Client) ensureDiscovered(ctx context.Context) error {
	if c.client != nil && len(c.paths) > 0 {
		return nil
	}

	httpClient := webdav.HTTPClientWithBasicAuth(&http.Client{Timeout: 30 * time.Second}, c.cfg.Username, c.cfg.Password)
	client, err := caldav.NewClient(httpClient, c.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("caldav client %s: %w", c.cfg.Endpoint, err)
	}
	c.client = client

	if c.cfg.CalendarPath != "" {
		c.paths = []string{c.cfg.CalendarPath}
		return nil
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return fmt.Errorf("find calendar home set: %w", err)
	}
	calendars, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return fmt.Errorf("find calendars: %w", err)
	}

	c.paths = c.paths[:0]
	for _, cal := range calendars {
		if supportsEvents(cal) {
			c.paths = append(c.paths, cal.Path)
		}
	}
	if len(c.paths) == 0 {
		return fmt.Errorf("no event calendars found at %s", c.cfg.Endpoint)
	}

	c.logger.Info("CalDAV calendars discovered", "endpoint", c.cfg.Endpoint, "count", len(c.paths))
	return nil
}

// supportsEvents reports whether the calendar accepts VEVENT
// components. An empty component set means unrestricted.
func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}

// UpcomingEvents returns events starting within the next days days,
// soonest first.
func (c *Client) UpcomingEvents(ctx context.Context, days int) ([]tools.Event, error) {
	if days <= 0 {
		days = 7
	}
	now := time.Now().In(c.cfg.Timezone)
	return c.queryWindow(ctx, now, now.AddDate(0, 0, days))
}

// TodaySchedule returns events overlapping the rest of today, soonest
// first.
func (c *Client) TodaySchedule(ctx context.Context) ([]tools.Event, error) {
	now := time.Now().In(c.cfg.Timezone)
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, c.cfg.Timezone)
	return c.queryWindow(ctx, now, endOfDay)
}

// FreeBetween reports whether the window is free of events, returning
// any conflicting events. All-day events do not count as conflicts.
func (c *Client) FreeBetween(ctx context.Context, start, end time.Time) (bool, []tools.Event, error) {
	events, err := c.queryWindow(ctx, start, end)
	if err != nil {
		return false, nil, err
	}

	var conflicts []tools.Event
	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		conflicts = append(conflicts, ev)
	}
	return len(conflicts) == 0, conflicts, nil
}

// Close releases the client. CalDAV is stateless HTTP, so there is no
// connection to tear down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = nil
	c.paths = nil
	return nil
}

// queryWindow fetches events overlapping [start, end) from every
// discovered calendar, merged and sorted by start time.
func (c *Client) queryWindow(ctx context.Context, start, end time.Time) ([]tools.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureDiscovered(ctx); err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}

	var events []tools.Event
	for _, path := range c.paths {
		objects, err := c.client.QueryCalendar(ctx, path, query)
		if err != nil {
			return nil, fmt.Errorf("query calendar %s: %w", path, err)
		}
		for _, obj := range objects {
			if obj.Data == nil {
				continue
			}
			for _, ev := range obj.Data.Events() {
				parsed, err := c.parseEvent(ev)
				if err != nil {
					c.logger.Debug("skipping event", "path", obj.Path, "error", err)
					continue
				}
				events = append(events, parsed)
			}
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events, nil
}

// parseEvent converts an iCalendar VEVENT into the capability's event
// shape.
func (c *Client) parseEvent(ev ical.Event) (tools.Event, error) {
	var out tools.Event

	start, err := ev.DateTimeStart(c.cfg.Timezone)
	if err != nil {
		return out, fmt.Errorf("event start: %w", err)
	}
	end, err := ev.DateTimeEnd(c.cfg.Timezone)
	if err != nil {
		// Events without DTEND or DURATION are treated as one hour.
		end = start.Add(time.Hour)
	}

	out.Start = start
	out.End = end

	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil {
		out.AllDay = prop.ValueType() == ical.ValueDate
	}
	if summary, err := ev.Props.Text(ical.PropSummary); err == nil {
		out.Title = summary
	}
	if out.Title == "" {
		out.Title = "(untitled)"
	}
	if location, err := ev.Props.Text(ical.PropLocation); err == nil {
		out.Location = location
	}
	return out, nil
}
