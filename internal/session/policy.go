package session

import (
	"fmt"

	"github.com/liliang-cn/askgen/internal/channel"
)

// Policy chooses the delivery channel of a session and what to do when that
// channel breaks.
type Policy interface {
	Name() string
	// Initial is the mode opened after the submit response arrives.
	Initial() channel.Mode
	// Next returns the mode to switch to after a channel in mode failed.
	// A false result means the failure ends the session.
	Next(failed channel.Mode) (channel.Mode, bool)
}

// StreamOnly observes over the push stream and never falls back
type StreamOnly struct{}

func (StreamOnly) Name() string                           { return "stream" }
func (StreamOnly) Initial() channel.Mode                  { return channel.ModeStream }
func (StreamOnly) Next(channel.Mode) (channel.Mode, bool) { return "", false }

// PollOnly observes by polling the status endpoint
type PollOnly struct{}

func (PollOnly) Name() string                           { return "poll" }
func (PollOnly) Initial() channel.Mode                  { return channel.ModePoll }
func (PollOnly) Next(channel.Mode) (channel.Mode, bool) { return "", false }

// StreamThenPoll starts on the push stream and switches to polling, once,
// when the stream fails.
type StreamThenPoll struct{}

func (StreamThenPoll) Name() string          { return "stream-then-poll" }
func (StreamThenPoll) Initial() channel.Mode { return channel.ModeStream }
func (StreamThenPoll) Next(failed channel.Mode) (channel.Mode, bool) {
	if failed == channel.ModeStream {
		return channel.ModePoll, true
	}
	return "", false
}

// PolicyFor returns the policy registered under name
func PolicyFor(name string) (Policy, error) {
	switch name {
	case "", "stream":
		return StreamOnly{}, nil
	case "poll":
		return PollOnly{}, nil
	case "stream-then-poll":
		return StreamThenPoll{}, nil
	}
	return nil, fmt.Errorf("unknown delivery policy %q", name)
}
