package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aide-labs/aide-go/pkg/llm"
)

// LLMExtractor extracts facts from an exchange using a language model,
// catching statements the pattern table cannot express.
//
// It is layered on top of the pattern Extractor: the agent runs the pattern
// pass always and the LLM pass when a provider is configured for it.
// Everything the model returns is treated as inferred, never explicit.
type LLMExtractor struct {
	llm    llm.Provider
	policy Policy

	// customPrompt overrides the default system prompt when non-empty.
	customPrompt string
}

// NewLLMExtractor creates an LLM-backed fact extractor.
func NewLLMExtractor(provider llm.Provider, policy Policy) *LLMExtractor {
	return &LLMExtractor{
		llm:    provider,
		policy: policy,
	}
}

// NewLLMExtractorWithPrompt creates an LLM-backed fact extractor with a
// custom system prompt.
func NewLLMExtractorWithPrompt(provider llm.Provider, policy Policy, prompt string) *LLMExtractor {
	return &LLMExtractor{
		llm:          provider,
		policy:       policy,
		customPrompt: prompt,
	}
}

// Extract asks the model for facts present in the (message, reply) pair.
//
// The extraction process:
//  1. Formats the exchange as a short conversation transcript
//  2. Calls the model with the fact extraction prompt
//  3. Parses the JSON response into facts
//
// Returns the extracted facts, or an error if the call or parsing fails.
func (e *LLMExtractor) Extract(ctx context.Context, userMessage, reply string) ([]Fact, error) {
	conversation := "user: " + userMessage
	if reply != "" {
		conversation += "\nassistant: " + reply
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: e.systemPrompt()},
		{Role: llm.RoleUser, Content: "Input:\n" + conversation},
	}

	response, err := e.llm.GenerateWithMessages(ctx, messages, llm.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("failed to extract facts: %w", err)
	}

	facts, err := e.parseResponse(response)
	if err != nil {
		return nil, fmt.Errorf("failed to parse facts response: %w", err)
	}

	return facts, nil
}

// systemPrompt returns the fact extraction prompt.
func (e *LLMExtractor) systemPrompt() string {
	if e.customPrompt != "" {
		return e.customPrompt
	}

	today := time.Now().Format("2006-01-02")
	return fmt.Sprintf(`You are a Personal Information Organizer. Extract relevant facts, preferences, plans, and needs about the user from the conversation into distinct, self-contained facts.

Rules:
- Today: %s
- Return JSON: {"facts": [{"content": "fact text", "category": "preference|fact|style|contact|project|schedule|task"}]}
- Preserve time references ("yesterday", "next week") inside the fact text
- Extract from the user's statements only, never invent information
- If no relevant facts, return {"facts": []}

Examples:
Input: user: Hi.
Output: {"facts": []}

Input: user: I'm Alex, a product manager, and I hate long status meetings.
Output: {"facts": [{"content": "Name is Alex", "category": "fact"}, {"content": "Alex is a product manager", "category": "fact"}, {"content": "Hates long status meetings", "category": "preference"}]}

Extract facts from the conversation below:`, today)
}

// parseResponse parses the model response into facts.
func (e *LLMExtractor) parseResponse(response string) ([]Fact, error) {
	response = removeCodeBlocks(response)

	var result struct {
		Facts []struct {
			Content  string `json:"content"`
			Category string `json:"category"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	facts := make([]Fact, 0, len(result.Facts))
	for _, f := range result.Facts {
		if f.Content == "" {
			continue
		}
		category := f.Category
		if !validCategory(category) {
			category = CategoryFact
		}
		facts = append(facts, Fact{
			Content:    f.Content,
			Category:   category,
			Source:     SourceChat,
			Confidence: e.policy.Clamp(e.policy.InferredConfidence),
		})
	}

	return facts, nil
}

// validCategory reports whether the model returned a known category.
func validCategory(category string) bool {
	switch category {
	case CategoryPreference, CategoryFact, CategoryStyle, CategoryContact, CategoryProject, CategorySchedule, CategoryTask:
		return true
	}
	return false
}

// removeCodeBlocks strips ```json fences some models wrap output in.
func removeCodeBlocks(response string) string {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	return strings.TrimSpace(response)
}
