package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// emailPattern matches the first plausible address in free text. The
// character class [A-Z|a-z] in the TLD also accepts a literal '|'.
// RE2's \b is ASCII-only, so an address glued to Arabic letters
// ("مرحباa@b.com") still matches from its first ASCII character.
var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)

const (
	// summarySeparator joins the first user turns into a lead summary.
	summarySeparator = " | "
	summaryTurns     = 3
	minUserTurns     = 2

	apologyPrefix = "I apologize, but I encountered an error: "
)

// ConversationState is everything the pipeline knows about one visitor.
// Stages mutate it in place.
type ConversationState struct {
	SessionID        string            `json:"session_id"`
	Messages         []*schema.Message `json:"messages"`
	Context          string            `json:"context"`
	Email            string            `json:"email"`
	RequestSummary   string            `json:"request_summary"`
	ReadyToSubmit    bool              `json:"ready_to_submit"`
	UserID           string            `json:"user_id"`
	Language         string            `json:"language"`
	RequestSubmitted bool              `json:"request_submitted"`

	// Per-request client details, copied onto leads.
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// StageErrors collects fallbacks taken during the latest run.
	StageErrors []string `json:"-"`
	// submittedThisTurn is set by the submit stage for the current run only.
	submittedThisTurn bool
}

// NewConversationState returns an empty state for userID.
func NewConversationState(userID, language string) *ConversationState {
	if language == "" {
		language = "ar"
	}
	return &ConversationState{
		Messages: []*schema.Message{},
		UserID:   userID,
		Language: language,
	}
}

// clone copies the state for a new pipeline run. Messages are never
// edited after they are appended, so only the slice is copied.
func (s *ConversationState) clone() *ConversationState {
	cp := *s
	cp.Messages = make([]*schema.Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	cp.StageErrors = nil
	return &cp
}

// SubmittedThisTurn reports whether the latest pipeline run handed a lead
// to the sinks.
func (s *ConversationState) SubmittedThisTurn() bool {
	return s.submittedThisTurn
}

// UserTurns returns the user messages in order.
func (s *ConversationState) UserTurns() []string {
	var out []string
	for _, m := range s.Messages {
		if m.Role == schema.User {
			out = append(out, m.Content)
		}
	}
	return out
}

// LastResponse returns the most recent assistant text, or "".
func (s *ConversationState) LastResponse() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == schema.Assistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// lastTurnIsUser reports whether the newest message came from the visitor.
func (s *ConversationState) lastTurnIsUser() bool {
	return len(s.Messages) > 0 && s.Messages[len(s.Messages)-1].Role == schema.User
}

func (s *ConversationState) recordFallback(stage string, err error) {
	s.StageErrors = append(s.StageErrors, fmt.Sprintf("%s: %v", stage, err))
}

// ExtractEmail returns the first email-like token in text, or "".
func ExtractEmail(text string) string {
	return emailPattern.FindString(text)
}

// extractInfo fills Email from the user turns if it is still unknown and
// recomputes ReadyToSubmit.
func extractInfo(state *ConversationState) {
	if state.Email == "" {
		for _, turn := range state.UserTurns() {
			if email := ExtractEmail(turn); email != "" {
				state.Email = email
				break
			}
		}
	}
	state.ReadyToSubmit = state.Email != "" && len(state.UserTurns()) >= minUserTurns
}

// summarize joins up to the first three user turns.
func summarize(state *ConversationState) string {
	turns := state.UserTurns()
	if len(turns) > summaryTurns {
		turns = turns[:summaryTurns]
	}
	return strings.Join(turns, summarySeparator)
}

// BuildSystemPrompt renders the instruction block sent ahead of the history.
func BuildSystemPrompt(instructions string, state *ConversationState) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")

	if state.Context != "" {
		b.WriteString("\nCOMPANY INFORMATION CONTEXT (from INFIRAD profile documents):\n")
		b.WriteString(state.Context)
		b.WriteString("\n\nUse this context to answer questions about INFIRAD at a high level only.\n")
	}

	b.WriteString("\n\nCURRENT CONVERSATION STATE:\n")
	if state.Email != "" {
		fmt.Fprintf(&b, "- Email collected: Yes (%s)\n", state.Email)
	} else {
		b.WriteString("- Email collected: No\n")
	}
	if state.ReadyToSubmit {
		b.WriteString("- Ready to submit: Yes\n")
	} else {
		b.WriteString("- Ready to submit: No\n")
	}

	b.WriteString(`
INSTRUCTIONS:
- If you have collected the email and understood the request, automatically proceed with submission
- Inform the user that their request will be forwarded to INFIRAD's technical team
- Do not ask for confirmation once you have email and request details
`)
	return b.String()
}

// apology is the assistant turn used when the completion call fails.
func apology(err error) string {
	return apologyPrefix + err.Error()
}
