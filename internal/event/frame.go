package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/liliang-cn/askgen/internal/domain"
)

// Frame is the JSON envelope exchanged on the push channel
type Frame struct {
	Type           string          `json:"type"`
	Status         string          `json:"status,omitempty"`
	Content        *string         `json:"content,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
	Token          *string         `json:"token,omitempty"`
	TokenCount     int             `json:"token_count,omitempty"`
	Sources        []string        `json:"sources,omitempty"`
	Citations      json.RawMessage `json:"citations,omitempty"`
	TokensUsed     *int            `json:"tokens_used,omitempty"`
	GenerationTime *int            `json:"generation_time,omitempty"`
	ModelUsed      *string         `json:"model_used,omitempty"`
	Metrics        *domain.Metrics `json:"metrics,omitempty"`
	Error          string          `json:"error,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// Decode parses one raw push frame.
//
// Invalid JSON, a missing type, or a token frame without a token yield a
// Malformed event together with an error wrapping domain.ErrMalformedFrame.
// Unrecognized types yield Unknown with a nil error.
func Decode(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return malformed(raw, err)
	}

	switch Kind(f.Type) {
	case KindStatus:
		st, known := domain.ParseStatus(f.Status)
		ev := Status{Status: st, Reported: f.Status, Known: known, Timestamp: f.Timestamp}
		if f.Content != nil {
			ev.Content = *f.Content
		}
		return ev, nil

	case KindToken:
		if f.Token == nil {
			return malformed(raw, fmt.Errorf("token frame without token"))
		}
		return Token{Token: *f.Token, Count: f.TokenCount}, nil

	case KindComplete:
		ev := Complete{
			Sources:   f.Sources,
			Citations: f.Citations,
			Metrics:   f.metrics(),
		}
		if f.Content != nil {
			ev.Content = *f.Content
		}
		return ev, nil

	case KindError:
		msg := f.Error
		if msg == "" {
			msg = f.Message
		}
		if msg == "" {
			msg = DefaultErrorMessage
		}
		return Error{Message: msg}, nil

	case KindClose:
		return Close{}, nil

	case "":
		return malformed(raw, fmt.Errorf("missing type"))
	}

	return Unknown{Type: f.Type, Raw: json.RawMessage(raw)}, nil
}

func malformed(raw []byte, cause error) (Event, error) {
	err := fmt.Errorf("%w: %v", domain.ErrMalformedFrame, cause)
	return Malformed{Raw: raw, Err: err}, err
}

func (f *Frame) metrics() *domain.Metrics {
	if f.Metrics != nil && !f.Metrics.Empty() {
		return f.Metrics
	}
	m := &domain.Metrics{TokensUsed: f.TokensUsed, GenerationTime: f.GenerationTime}
	if f.ModelUsed != nil {
		m.ModelUsed = *f.ModelUsed
	}
	if m.Empty() {
		return nil
	}
	return m
}

// FromStatusResponse converts a polled status into the event it stands for.
// Terminal statuses map to Complete or Error, in-flight ones to Progress.
func FromStatusResponse(r *domain.StatusResponse) Event {
	st, known := domain.ParseStatus(r.Status)
	if !known {
		raw, _ := json.Marshal(r)
		return Unknown{Type: "status:" + r.Status, Raw: raw}
	}

	switch st {
	case domain.StatusComplete:
		return Complete{
			Content:   r.Content,
			Sources:   r.Sources,
			Citations: r.Citations,
			Metrics:   r.Metrics(),
		}
	case domain.StatusError:
		msg := DefaultErrorMessage
		if r.ErrorMessage != nil && *r.ErrorMessage != "" {
			msg = *r.ErrorMessage
		}
		return Error{Message: msg}
	}
	return Progress{Status: st, Content: r.Content}
}

// StatusFrame builds the status frame sent when a client connects
func StatusFrame(status domain.Status, content string, ts time.Time) Frame {
	return Frame{
		Type:      string(KindStatus),
		Status:    string(status),
		Content:   &content,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}

// TokenFrame builds a token frame
func TokenFrame(token string, count int) Frame {
	return Frame{Type: string(KindToken), Token: &token, TokenCount: count}
}

// CompleteFrame builds the final frame of a successful generation
func CompleteFrame(m *domain.Message) Frame {
	content := m.Content
	sources := m.Sources
	if sources == nil {
		sources = []string{}
	}
	citations := m.Citations
	if len(citations) == 0 {
		citations = json.RawMessage(`{}`)
	}
	return Frame{
		Type:           string(KindComplete),
		Content:        &content,
		Sources:        sources,
		Citations:      citations,
		TokensUsed:     m.TokensUsed,
		GenerationTime: m.GenerationTime,
		ModelUsed:      m.ModelUsed,
	}
}

// ErrorFrame builds an error frame
func ErrorFrame(msg string) Frame {
	if msg == "" {
		msg = "Unknown error occurred"
	}
	return Frame{Type: string(KindError), Error: msg}
}

// CloseFrame builds the frame sent before the server drops the connection
func CloseFrame() Frame {
	return Frame{Type: string(KindClose)}
}
