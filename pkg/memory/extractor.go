package memory

import (
	"regexp"
	"strings"
)

// pattern pairs a compiled expression with the category and confidence tier
// it produces.
type pattern struct {
	re       *regexp.Regexp
	category string
	explicit bool
}

// Extractor detects facts and preferences in conversation text using a
// fixed pattern table.
//
// Explicit statements ("I hate...", "call me...") are scored with the
// policy's explicit confidence; phrasing that merely implies a fact
// (project status updates) gets the inferred confidence.
type Extractor struct {
	policy   Policy
	patterns []pattern
}

// NewExtractor creates an extractor with the given policy.
func NewExtractor(policy Policy) *Extractor {
	return &Extractor{
		policy: policy,
		patterns: []pattern{
			// Explicit preference statements.
			{regexp.MustCompile(`(?i)\bi (?:hate|don't like|dislike|avoid) (.+)`), CategoryPreference, true},
			{regexp.MustCompile(`(?i)\bi (?:love|like|prefer|enjoy) (.+)`), CategoryPreference, true},
			{regexp.MustCompile(`(?i)\bi never (.+)`), CategoryPreference, true},
			{regexp.MustCompile(`(?i)\bi always (.+)`), CategoryPreference, true},
			{regexp.MustCompile(`(?i)\bdon't schedule (.+)`), CategorySchedule, true},
			{regexp.MustCompile(`(?i)\b(?:call me|address me as) (\w+)`), CategoryStyle, true},
			{regexp.MustCompile(`(?i)\b(?:my name is|i'm|i am) (\w+)\b`), CategoryFact, true},
			{regexp.MustCompile(`(?i)\bremind me to (.+)`), CategoryTask, true},
			{regexp.MustCompile(`(?i)\bi (?:need|have) to (.+?) (?:by|before) (.+)`), CategoryTask, true},
			// Inferred project updates.
			{regexp.MustCompile(`(?i)\b(?:project|task) (\w+) (?:is|was|has been) (delayed|cancelled|completed|on track)`), CategoryProject, false},
			{regexp.MustCompile(`(?i)\b(\w+) project (?:is|was) (.+)`), CategoryProject, false},
			{regexp.MustCompile(`(?i)\bdeadline for (.+) (?:is|was|has been) (?:extended|moved|changed)`), CategoryProject, false},
		},
	}
}

// Extract detects facts in a single user message. The assistant's reply is
// not mined: only the user's own statements become memory.
func (e *Extractor) Extract(userMessage string) []Fact {
	text := strings.TrimSpace(userMessage)
	if text == "" {
		return nil
	}

	var facts []Fact
	seen := make(map[string]bool)

	for _, p := range e.patterns {
		match := p.re.FindStringSubmatch(text)
		if match == nil {
			continue
		}

		confidence := e.policy.InferredConfidence
		if p.explicit {
			confidence = e.policy.ExplicitConfidence
		}

		// One fact per (content, category) pair.
		key := p.category + "\x00" + text
		if seen[key] {
			continue
		}
		seen[key] = true

		extracted := ""
		if len(match) > 1 {
			extracted = strings.TrimSpace(match[1])
		}

		facts = append(facts, Fact{
			Content:    text,
			Category:   p.category,
			Source:     SourceChat,
			Confidence: e.policy.Clamp(confidence),
			Metadata: map[string]interface{}{
				"extracted_value": extracted,
			},
		})
	}

	return facts
}

// emailStatusKeywords flag project-relevant emails.
var emailStatusKeywords = []string{"delayed", "completed", "cancelled", "on hold", "urgent", "deadline"}

// EmailFact is the subset of an email the extractor looks at.
type EmailFact struct {
	ID      string
	From    string
	Subject string
	Snippet string
}

// ExtractFromEmail detects project updates and notable contacts in an email.
func (e *Extractor) ExtractFromEmail(email EmailFact) []Fact {
	var facts []Fact

	subject := strings.ToLower(email.Subject)
	body := strings.ToLower(email.Snippet)

	for _, keyword := range emailStatusKeywords {
		if strings.Contains(subject, keyword) || strings.Contains(body, keyword) {
			facts = append(facts, Fact{
				Content:    "Email from " + email.From + ": " + email.Subject + " - Status: " + keyword,
				Category:   CategoryProject,
				Source:     SourceEmail,
				Confidence: e.policy.Clamp(0.8),
				Metadata: map[string]interface{}{
					"email_id": email.ID,
					"sender":   email.From,
					"keyword":  keyword,
				},
			})
			break
		}
	}

	if strings.Contains(subject, "urgent") || strings.Contains(subject, "important") || strings.Contains(body, "asap") {
		facts = append(facts, Fact{
			Content:    email.From + " sent urgent/important email: " + email.Subject,
			Category:   CategoryContact,
			Source:     SourceEmail,
			Confidence: e.policy.Clamp(0.75),
			Metadata: map[string]interface{}{
				"email_id": email.ID,
				"sender":   email.From,
			},
		})
	}

	return facts
}
