package chat

import (
	"encoding/json"
	"strings"
)

// Status is the provider-side state of a chat.
type Status string

const (
	StatusCreated        Status = "created"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusRequiresAction Status = "requires_action"
	StatusCanceled       Status = "canceled"
)

// Ref identifies an asynchronous chat on the provider.
type Ref struct {
	ConversationID string
	ChatID         string
}

func (r Ref) Valid() bool {
	return r.ConversationID != "" && r.ChatID != ""
}

// CreateResult is either an immediate answer or a Ref to poll.
type CreateResult struct {
	Answer string
	Ref    Ref
}

// Immediate reports whether the provider answered without needing a poll.
func (r CreateResult) Immediate() bool {
	return r.Answer != ""
}

// State is the outcome of a status check.
type State struct {
	Status        Status
	FailureReason string
}

// Content is a message body: TextContent or SegmentContent.
type Content interface {
	isContent()
}

// TextContent is a plain string body.
type TextContent string

// SegmentContent is a sequence of typed segments.
type SegmentContent []Segment

// Segment is one typed piece of a multimodal message.
type Segment struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	FileURL string `json:"file_url,omitempty"`
	FileID  string `json:"file_id,omitempty"`
}

func (TextContent) isContent()    {}
func (SegmentContent) isContent() {}

const segmentText = "text"

// Text flattens content, concatenating text segments in order.
func Text(c Content) string {
	switch v := c.(type) {
	case TextContent:
		return string(v)
	case SegmentContent:
		var b strings.Builder
		for _, seg := range v {
			if seg.Type == segmentText {
				b.WriteString(seg.Text)
			}
		}
		return b.String()
	}
	return ""
}

// Message is one role-tagged entry of a chat transcript.
type Message struct {
	ID      string
	Role    string
	Type    string
	Content Content
}

const (
	roleAssistant = "assistant"
	typeAnswer    = "answer"
)

// IsAnswer reports whether the message carries grading output.
func (m Message) IsAnswer() bool {
	return m.Role == roleAssistant && (m.Type == typeAnswer || m.Type == "")
}

// ExtractAnswer joins the text of all answer messages in order.
func ExtractAnswer(msgs []Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsAnswer() {
			continue
		}
		if t := strings.TrimSpace(Text(m.Content)); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

type wireMessage struct {
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	ContentType string          `json:"content_type"`
}

func (w wireMessage) message() Message {
	return Message{
		ID:      w.ID,
		Role:    w.Role,
		Type:    w.Type,
		Content: decodeContent(w.Content, w.ContentType),
	}
}

// decodeContent accepts a JSON string, an object_string (a JSON string holding
// a segment array) or a bare segment array.
func decodeContent(raw json.RawMessage, contentType string) Content {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return TextContent("")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return TextContent("")
		}
		if contentType == "object_string" {
			var segs []Segment
			if err := json.Unmarshal([]byte(s), &segs); err == nil {
				return SegmentContent(segs)
			}
		}
		return TextContent(s)
	case '[':
		var segs []Segment
		if err := json.Unmarshal(raw, &segs); err != nil {
			return TextContent("")
		}
		return SegmentContent(segs)
	}
	return TextContent("")
}
