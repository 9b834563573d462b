// Package envelope defines the inbound chat-event wire shape shared between
// the transport webhook and the ingest pipeline.
package envelope

import (
	"fmt"
	"time"
)

// SenderKind identifies who authored the event on the transport side.
const (
	SenderContact  = "contact"  // the external chat participant
	SenderOperator = "operator" // a human operator writing into the conversation
	SenderBot      = "bot"      // our own outbound messages echoed back
)

// ChatEvent is the envelope the chat transport delivers to the webhook.
// Delivery is at-least-once: the same EventID may arrive more than once.
type ChatEvent struct {
	EventID         string    `json:"event_id"`
	ConversationKey string    `json:"conversation_key"`
	OccurredAt      time.Time `json:"occurred_at"`
	SenderKind      string    `json:"sender_kind,omitempty"` // Sender* constants, default "contact"
	TextDelta       string    `json:"text_delta,omitempty"`
	AttachmentRefs  []string  `json:"attachment_refs,omitempty"`
	// MessageRef points at the transport-side message when the envelope
	// carries no inline content; the gateway resolves it on demand.
	MessageRef string `json:"message_ref,omitempty"`
}

// Validate checks the fields every event must carry.
func (e *ChatEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("envelope: missing event_id")
	}
	if e.ConversationKey == "" {
		return fmt.Errorf("envelope: missing conversation_key")
	}
	return nil
}
