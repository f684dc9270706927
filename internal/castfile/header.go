// Package castfile implements the append-only asciinema v2 cast writer
// and its streaming truncator (spec.md §4.2), grounded on the
// escape-sequence boundary scanning the teacher used to avoid
// splitting CSI/OSC sequences across audit events, generalized here
// from audit-log framing to cast-event framing.
package castfile

import (
	"encoding/json"
	"time"
)

// Header is the first line of a cast file.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// NewHeader builds a Header stamped with the current time.
func NewHeader(width, height int, command, title string, env map[string]string) Header {
	return Header{
		Version:   2,
		Width:     width,
		Height:    height,
		Timestamp: time.Now().Unix(),
		Command:   command,
		Title:     title,
		Env:       env,
	}
}

// Encode serializes h as a single \n-terminated JSON line.
func (h Header) Encode() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EventKind is the middle element of a [t, kind, data] cast event.
type EventKind string

const (
	KindOutput EventKind = "o"
	KindInput  EventKind = "i"
	KindResize EventKind = "r"
	KindMarker EventKind = "m"
)

// Event is one [t, kind, data] line.
type Event struct {
	T    float64
	Kind EventKind
	Data string
}

// Encode serializes e as a single \n-terminated JSON array line.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal([]any{e.T, string(e.Kind), e.Data})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ExitRecord is the raw trailing JSON object appended on session exit
// (spec.md §4.2: "can emit raw JSON lines... outside the [t,kind,data]
// schema"). It is never interleaved with a partial event.
type ExitRecord struct {
	ExitCode int       `json:"exit_code"`
	ExitedAt time.Time `json:"exited_at"`
}

// Encode serializes r as a single \n-terminated JSON line.
func (r ExitRecord) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
