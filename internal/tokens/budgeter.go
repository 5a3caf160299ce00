// Package tokens estimates the token cost of completion payloads and enforces
// the per-call token cap once the real usage is known.
//
// The estimate is a cheap word/punctuation heuristic rather than a tokenizer.
// Treat it as an upper-bound guess, never as an exact count.
package tokens

import (
	"errors"
	"math"
	"strings"
	"unicode"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/apierr"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
	"github.com/tidwall/gjson"
)

const (
	messageOverhead = 3
	payloadOverhead = 3
	punctWeight     = 0.2
)

// ErrInvalidPayload is returned when a request body is not valid JSON.
var ErrInvalidPayload = errors.New("tokens: payload is not valid json")

// Message is a chat-style message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Budgeter estimates request cost and checks actual usage against the cap.
type Budgeter struct {
	globalMaxPerCall int
}

// NewBudgeter builds a Budgeter. globalMaxPerCall <= 0 disables the global
// ceiling so only the tier limit applies.
func NewBudgeter(globalMaxPerCall int) *Budgeter {
	return &Budgeter{globalMaxPerCall: globalMaxPerCall}
}

// EstimateText approximates the tokens in a single text.
func EstimateText(text string) int {
	words := len(strings.Fields(text))
	punct := 0
	for _, r := range text {
		if unicode.IsPunct(r) {
			punct++
		}
	}
	return int(math.Ceil(float64(words) + punctWeight*float64(punct)))
}

// EstimateMessages approximates the prompt tokens of a message list,
// including per-message and per-payload framing overhead.
func (b *Budgeter) EstimateMessages(messages []Message) int {
	if len(messages) == 0 {
		return 0
	}
	total := payloadOverhead
	for _, msg := range messages {
		total += EstimateText(msg.Content) + messageOverhead
	}
	return total
}

// EstimatePayload pulls messages out of a raw JSON request body and estimates
// them. Bodies with `messages` (string or text-part content) and bodies with a
// bare `prompt` are understood; anything else estimates to 0.
func (b *Budgeter) EstimatePayload(raw []byte) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	if !gjson.ValidBytes(raw) {
		return 0, ErrInvalidPayload
	}

	if msgs := gjson.GetBytes(raw, "messages"); msgs.IsArray() {
		var messages []Message
		msgs.ForEach(func(_, m gjson.Result) bool {
			messages = append(messages, Message{
				Role:    m.Get("role").String(),
				Content: contentText(m.Get("content")),
			})
			return true
		})
		return b.EstimateMessages(messages), nil
	}

	if prompt := gjson.GetBytes(raw, "prompt"); prompt.Exists() {
		return b.EstimateMessages([]Message{{Role: "user", Content: prompt.String()}}), nil
	}
	return 0, nil
}

func contentText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		}
		return true
	})
	return strings.Join(parts, " ")
}

// Limit returns the effective per-call cap for a policy: the tier limit,
// lowered to the global ceiling when that is tighter.
func (b *Budgeter) Limit(policy tier.Policy) int {
	limit := policy.MaxTokensPerRequest
	if b.globalMaxPerCall > 0 && (limit <= 0 || b.globalMaxPerCall < limit) {
		limit = b.globalMaxPerCall
	}
	return limit
}

// Enforce checks the usage reported by a completed call against the cap.
// It runs after the upstream call has finished: the cost is already spent and
// the error only keeps the result from reaching the caller.
func (b *Budgeter) Enforce(actualTokens int, policy tier.Policy) error {
	limit := b.Limit(policy)
	if limit > 0 && actualTokens > limit {
		return &apierr.TokenCapExceededError{Actual: actualTokens, Limit: limit}
	}
	return nil
}
