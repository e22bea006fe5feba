// Package event defines the typed events that drive a generation session.
//
// Wire events (status, token, complete, error, close) are decoded from push
// frames. The remaining variants are produced locally by delivery channels:
// poll snapshots, channel failures, transient poll failures, malformed and
// unknown frames. The set is closed: every Event is one of the types below.
package event

import (
	"encoding/json"

	"github.com/liliang-cn/askgen/internal/domain"
)

// Kind discriminates event variants
type Kind string

// Wire kinds
const (
	KindStatus   Kind = "status"
	KindToken    Kind = "token"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindClose    Kind = "close"
)

// Local kinds
const (
	KindProgress         Kind = "progress"
	KindChannelFailure   Kind = "channel_failure"
	KindTransientFailure Kind = "transient_failure"
	KindMalformed        Kind = "malformed"
	KindUnknown          Kind = "unknown"
)

// DefaultErrorMessage is used when the backend reports a failure without detail
const DefaultErrorMessage = "Generation failed"

// Event is a decoded delivery event
type Event interface {
	Kind() Kind
	sealed()
}

// Status reports a backend status change
type Status struct {
	Status    domain.Status
	Reported  string
	Known     bool
	Content   string
	Timestamp string
}

// Token carries one output fragment
type Token struct {
	Token string
	Count int
}

// Complete is the terminal success event
type Complete struct {
	Content   string
	Sources   []string
	Citations json.RawMessage
	Metrics   *domain.Metrics
}

// Error is the terminal failure event reported by the backend
type Error struct {
	Message string
}

// Close is sent by the backend before it drops the push connection
type Close struct{}

// Progress is a polled snapshot: status plus the whole content so far
type Progress struct {
	Status  domain.Status
	Content string
}

// ChannelFailure reports that the delivery channel itself broke
type ChannelFailure struct {
	Err error
}

// TransientFailure reports a recoverable delivery problem, such as one failed poll
type TransientFailure struct {
	Err error
}

// Malformed is a frame that could not be decoded
type Malformed struct {
	Raw []byte
	Err error
}

// Unknown is a well-formed frame with an unrecognized type
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Status) Kind() Kind           { return KindStatus }
func (Token) Kind() Kind            { return KindToken }
func (Complete) Kind() Kind         { return KindComplete }
func (Error) Kind() Kind            { return KindError }
func (Close) Kind() Kind            { return KindClose }
func (Progress) Kind() Kind         { return KindProgress }
func (ChannelFailure) Kind() Kind   { return KindChannelFailure }
func (TransientFailure) Kind() Kind { return KindTransientFailure }
func (Malformed) Kind() Kind        { return KindMalformed }
func (Unknown) Kind() Kind          { return KindUnknown }

func (Status) sealed()           {}
func (Token) sealed()            {}
func (Complete) sealed()         {}
func (Error) sealed()            {}
func (Close) sealed()            {}
func (Progress) sealed()         {}
func (ChannelFailure) sealed()   {}
func (TransientFailure) sealed() {}
func (Malformed) sealed()        {}
func (Unknown) sealed()          {}
