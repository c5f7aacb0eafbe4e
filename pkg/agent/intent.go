package agent

import (
	"strings"

	"github.com/aide-labs/aide-go/pkg/tools"
)

// intentRule maps a keyword to the capability request it triggers.
// Rules are matched in order against the lowercased message, so longer
// phrases come before the single words they contain.
type intentRule struct {
	keyword string
	request tools.Request
}

// intentRules is the lexical capability trigger table. Email rules win
// over calendar rules when a message matches both.
var intentRules = []intentRule{
	// Email intents.
	{"search my email", tools.Request{Action: tools.ActionSearchEmails}},
	{"find an email", tools.Request{Action: tools.ActionSearchEmails}},
	{"important emails", tools.Request{Action: tools.ActionImportantEmails}},
	{"unread", tools.Request{Action: tools.ActionImportantEmails}},
	{"inbox", tools.Request{Action: tools.ActionRecentEmails}},
	{"email", tools.Request{Action: tools.ActionRecentEmails}},
	{"mail", tools.Request{Action: tools.ActionRecentEmails}},

	// Calendar intents.
	{"next meeting", tools.Request{Action: tools.ActionUpcomingEvents, Days: 1}},
	{"calendar", tools.Request{Action: tools.ActionUpcomingEvents}},
	{"meetings", tools.Request{Action: tools.ActionUpcomingEvents}},
	{"events", tools.Request{Action: tools.ActionUpcomingEvents}},
	{"schedule", tools.Request{Action: tools.ActionTodaySchedule}},
	{"today", tools.Request{Action: tools.ActionTodaySchedule}},
	{"available", tools.Request{Action: tools.ActionCheckAvailability}},
	{"free", tools.Request{Action: tools.ActionCheckAvailability}},
}

// detectIntent scans the message for capability triggers and returns
// the matching request. The second return is false when no capability
// is needed and the reply can be generated directly.
func detectIntent(message string) (tools.Request, bool) {
	lowered := strings.ToLower(message)
	for _, rule := range intentRules {
		if strings.Contains(lowered, rule.keyword) {
			req := rule.request
			if req.Action == tools.ActionSearchEmails {
				req.Query = message
			}
			return req, true
		}
	}
	return tools.Request{}, false
}
