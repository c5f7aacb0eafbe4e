// Package email implements the mailbox capability over IMAP. It wraps
// go-imap/v2 with lazy connection, automatic reconnection, and
// mutex-serialized access so a single client can be shared across
// turns.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/aide-labs/aide-go/pkg/tools"
)

// snippetSize is the maximum number of body bytes to read per message
// when building the summary snippet.
const snippetSize = 2 * 1024

// snippetLength is the maximum snippet length in characters.
const snippetLength = 240

// Config holds IMAP account settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	// Mailbox is the folder to read. Defaults to INBOX.
	Mailbox string
}

// Client reads a single IMAP mailbox. It implements tools.EmailReader.
// All public methods are goroutine-safe.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

var _ tools.EmailReader = (*Client)(nil)

// NewClient creates an IMAP reader for the given account. The
// connection is established lazily on first use.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == 0 {
		if cfg.TLS {
			cfg.Port = 993
		} else {
			cfg.Port = 143
		}
	}
	return &Client{cfg: cfg, logger: logger}
}

// connectLocked dials and authenticates. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	var opts imapclient.Options
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.Host, "port", c.cfg.Port)

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.client = client
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected checks the connection and reconnects if needed.
// Caller must hold c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked(ctx)
}

// Close logs out and closes the IMAP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// RecentEmails returns the newest mailbox messages, newest first.
func (c *Client) RecentEmails(ctx context.Context, limit int) ([]tools.EmailSummary, error) {
	return c.search(ctx, &imap.SearchCriteria{}, limit)
}

// SearchEmails returns messages matching the query text, newest first.
func (c *Client) SearchEmails(ctx context.Context, query string, limit int) ([]tools.EmailSummary, error) {
	criteria := &imap.SearchCriteria{}
	if query != "" {
		criteria.Text = append(criteria.Text, query)
	}
	return c.search(ctx, criteria, limit)
}

// ImportantEmails returns unread messages received in the last days
// days, newest first.
func (c *Client) ImportantEmails(ctx context.Context, days, limit int) ([]tools.EmailSummary, error) {
	if days <= 0 {
		days = 3
	}
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Since:   time.Now().AddDate(0, 0, -days),
	}
	return c.search(ctx, criteria, limit)
}

// search runs a UID search and fetches summaries for the most recent
// matches.
func (c *Client) search(ctx context.Context, criteria *imap.SearchCriteria, limit int) ([]tools.EmailSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	if _, err := c.client.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", c.cfg.Mailbox, err)
	}

	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.cfg.Mailbox, err)
	}

	allUIDs := searchData.AllUIDs()
	if len(allUIDs) == 0 {
		return nil, nil
	}

	// Highest UIDs are newest; take the most recent N.
	start := 0
	if len(allUIDs) > limit {
		start = len(allUIDs) - limit
	}
	uidSet := imap.UIDSet{}
	for _, uid := range allUIDs[start:] {
		uidSet.AddNum(uid)
	}

	return c.fetchSummaries(uidSet)
}

// fetchSummaries fetches envelope, flags, and a body snippet for the
// given UIDs and returns them newest-first. Caller must hold c.mu and
// have a selected mailbox.
func (c *Client) fetchSummaries(uidSet imap.UIDSet) ([]tools.EmailSummary, error) {
	fetchOpts := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		Flags:    true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true}, // Peek so reading summaries never marks \Seen.
		},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var summaries []tools.EmailSummary
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		summary, err := c.parseMessage(msg)
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		summaries = append(summaries, summary)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch summaries: %w", err)
	}

	// Reverse into newest-first order.
	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}
	return summaries, nil
}

// parseMessage extracts a summary from one fetch response.
func (c *Client) parseMessage(msg *imapclient.FetchMessageData) (tools.EmailSummary, error) {
	var (
		summary tools.EmailSummary
		rawBody []byte
		seen    bool
		gotUID  bool
	)

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			gotUID = true
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				if f == imap.FlagSeen {
					seen = true
				}
			}
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				summary.Date = data.Envelope.Date
				summary.Subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					summary.From = formatAddress(data.Envelope.From[0])
				}
			}
		case imapclient.FetchItemDataBodySection:
			// Consume the literal immediately; go-imap/v2 streams
			// from the connection and deferring the read loses it.
			if data.Literal == nil {
				continue
			}
			var readErr error
			rawBody, readErr = io.ReadAll(io.LimitReader(data.Literal, snippetSize))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				rawBody = nil
			}
		}
	}

	if !gotUID {
		return summary, fmt.Errorf("message missing UID")
	}

	summary.Unread = !seen
	if rawBody != nil {
		summary.Snippet = snippet(rawBody)
	}
	return summary, nil
}

// snippet extracts a short plain-text preview from a raw message
// prefix. Parse errors yield an empty snippet; the envelope data is
// still useful without one.
func snippet(raw []byte) string {
	mailReader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	if mailReader == nil {
		return ""
	}

	for {
		part, err := mailReader.NextPart()
		if err != nil && !message.IsUnknownCharset(err) {
			return ""
		}
		if part == nil {
			return ""
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		if contentType != "text/plain" {
			continue
		}

		body, err := io.ReadAll(io.LimitReader(part.Body, snippetSize))
		if err != nil {
			return ""
		}
		text := strings.Join(strings.Fields(string(body)), " ")
		if len(text) > snippetLength {
			// Back up to a rune boundary so the cut never splits a
			// multi-byte character.
			cut := snippetLength
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut] + "..."
		}
		return text
	}
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}
