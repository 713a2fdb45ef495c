package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/remedyhq/remedy/internal/models"
)

// FixProposal holds the reasoning engine's suggested remediation for a
// session. Confidence is stored and compared verbatim, never recomputed.
type FixProposal struct {
	Summary     string   `json:"summary"`
	Category    string   `json:"category"`
	Confidence  float64  `json:"confidence"`
	BranchSlug  string   `json:"branch_slug"`
	FilesLikely []string `json:"files_likely"`
}

// Client wraps the Anthropic API for fix proposal generation.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildFixPrompt constructs the system and user prompts for fix proposal.
func buildFixPrompt(sess *models.Session, attempts []*models.FixAttempt, similar []*models.HistoricalFixRecord) (system string, user string) {
	system = `You propose remediations for failed CI pipelines and quality-gate violations. Given a failure payload, the debugging conversation so far, prior fix attempts, and fixes that resolved similar failures in the past, return ONLY a JSON object with these fields:
- "summary": 1-3 sentence description of the fix to apply
- "category": one of "logic", "config", "dependency", "test", "infra"
- "confidence": your confidence in the fix as a number between 0 and 1
- "branch_slug": a short kebab-case slug suitable for a git branch name (e.g. "null-check-handler")
- "files_likely": array of repository paths most likely to need changes (may be empty)

Rules:
- If prior attempts failed, propose something materially different from them
- Prefer approaches that match a similar past fix when one is listed
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Failure kind: ")
	sb.WriteString(string(sess.Kind))
	sb.WriteString("\nProject: ")
	sb.WriteString(sess.ProjectID)
	sb.WriteString("\n\nFailure payload:\n")
	sb.Write(sess.Payload)
	sb.WriteString("\n")

	if len(sess.Conversation) > 0 {
		sb.WriteString("\nConversation so far:\n")
		for _, turn := range sess.Conversation {
			sb.WriteString(turn.Role)
			sb.WriteString(": ")
			sb.WriteString(turn.Content)
			sb.WriteString("\n")
		}
	}

	if len(attempts) > 0 {
		sb.WriteString("\nPrior fix attempts:\n")
		for _, a := range attempts {
			fmt.Fprintf(&sb, "- attempt %d on branch %s: %s", a.AttemptNumber, a.BranchName, a.Status)
			if a.ErrorDetails != "" {
				sb.WriteString(" (")
				sb.WriteString(a.ErrorDetails)
				sb.WriteString(")")
			}
			sb.WriteString("\n")
		}
	}

	if len(similar) > 0 {
		sb.WriteString("\nFixes that resolved similar failures:\n")
		for _, rec := range similar {
			fmt.Fprintf(&sb, "- [%s, confidence %.2f] %s\n", rec.FixCategory, rec.Confidence, rec.FixDescription)
		}
	}

	user = sb.String()
	return
}

// ProposeFix sends the session context to the LLM and returns a structured
// fix proposal.
func (c *Client) ProposeFix(ctx context.Context, sess *models.Session, attempts []*models.FixAttempt, similar []*models.HistoricalFixRecord) (*FixProposal, error) {
	systemPrompt, userPrompt := buildFixPrompt(sess, attempts, similar)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	return parseProposal(text)
}

// parseProposal decodes the LLM response, stripping markdown fencing if
// present.
func parseProposal(text string) (*FixProposal, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var proposal FixProposal
	if err := json.Unmarshal([]byte(text), &proposal); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if proposal.Summary == "" {
		return nil, fmt.Errorf("LLM response missing summary\nraw response: %s", text)
	}
	return &proposal, nil
}
