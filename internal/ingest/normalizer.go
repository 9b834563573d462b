package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/convoflow/pkg/envelope"
)

// NormalizedEvent is the internal event shape the accumulator consumes.
// Content is fully resolved; nothing downstream talks to the transport.
type NormalizedEvent struct {
	EventID         string
	ConversationKey string
	OccurredAt      time.Time
	SenderKind      string
	TextDelta       string
	AttachmentRefs  []string
}

// TransportGateway resolves a message reference into its content when the
// webhook payload carries only a pointer. Implementations call back into the
// originating chat platform.
type TransportGateway interface {
	ResolveMessage(ctx context.Context, ref string) (text string, attachmentRefs []string, err error)
}

// ErrDropEvent marks an event that should be acknowledged but not processed.
// The webhook treats it as success so the provider does not redeliver forever.
type ErrDropEvent struct {
	Reason string
}

func (e *ErrDropEvent) Error() string { return "event dropped: " + e.Reason }

// Normalizer validates incoming envelopes and produces normalized events.
type Normalizer struct {
	gateway TransportGateway // optional, nil when payloads are always inline
}

// NewNormalizer creates a normalizer. gateway may be nil if every event is
// expected to carry inline content.
func NewNormalizer(gateway TransportGateway) *Normalizer {
	return &Normalizer{gateway: gateway}
}

// Normalize validates ev and resolves its content. A *ErrDropEvent return
// means the event is unusable but should be acked; other errors are
// validation failures the caller should reject.
func (n *Normalizer) Normalize(ctx context.Context, ev *envelope.ChatEvent) (*NormalizedEvent, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	senderKind := ev.SenderKind
	if senderKind == "" {
		senderKind = envelope.SenderContact
	}

	out := &NormalizedEvent{
		EventID:         ev.EventID,
		ConversationKey: ev.ConversationKey,
		OccurredAt:      occurredAt,
		SenderKind:      senderKind,
		TextDelta:       ev.TextDelta,
		AttachmentRefs:  append([]string(nil), ev.AttachmentRefs...),
	}

	// Reference-only events need a round trip to the transport. Failure here
	// is usually transient (platform API hiccup), so the event is dropped and
	// we rely on the provider redelivering it.
	if strings.TrimSpace(out.TextDelta) == "" && len(out.AttachmentRefs) == 0 {
		if ev.MessageRef == "" {
			return nil, &ErrDropEvent{Reason: "no content and no message_ref"}
		}
		if n.gateway == nil {
			return nil, &ErrDropEvent{Reason: "message_ref present but no transport gateway configured"}
		}
		text, refs, err := n.gateway.ResolveMessage(ctx, ev.MessageRef)
		if err != nil {
			slog.Warn("normalizer: message resolution failed, dropping event",
				"event", ev.EventID, "message_ref", ev.MessageRef, "error", err)
			return nil, &ErrDropEvent{Reason: fmt.Sprintf("resolve %s: %v", ev.MessageRef, err)}
		}
		out.TextDelta = text
		out.AttachmentRefs = refs
	}

	return out, nil
}
