package session

import "strings"

// Accumulator folds output fragments into one growing string
type Accumulator struct {
	b strings.Builder
}

// Append adds a fragment at the end
func (a *Accumulator) Append(s string) {
	a.b.WriteString(s)
}

// Replace discards the accumulated output and starts over with s
func (a *Accumulator) Replace(s string) {
	a.b.Reset()
	a.b.WriteString(s)
}

// Reset discards the accumulated output
func (a *Accumulator) Reset() {
	a.b.Reset()
}

// Len returns the accumulated length in bytes
func (a *Accumulator) Len() int {
	return a.b.Len()
}

func (a *Accumulator) String() string {
	return a.b.String()
}
