package frame

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/serialview/internal/protocol/wire"
)

var (
	ErrDecode          = errors.New("frame: invalid base64 payload")
	ErrProtocolDesync  = errors.New("frame: begin marker inside open frame")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// DesyncPolicy selects what a begin marker does while a frame is open.
type DesyncPolicy uint8

const (
	// RestartPolicy drops the open frame silently and starts a new one.
	RestartPolicy DesyncPolicy = iota
	// ResyncErrorPolicy drops the open frame, reports ErrProtocolDesync and
	// waits for the next begin marker.
	ResyncErrorPolicy
)

func ParseDesyncPolicy(raw string) (DesyncPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "restart":
		return RestartPolicy, nil
	case "error", "resync":
		return ResyncErrorPolicy, nil
	default:
		return RestartPolicy, fmt.Errorf("frame: unknown desync policy %q", raw)
	}
}

func (p DesyncPolicy) String() string {
	if p == ResyncErrorPolicy {
		return "error"
	}
	return "restart"
}

// Limits constrains frame assembly memory use.
type Limits struct {
	// MaxPayloadBytes caps the base64 text held for one open frame. Zero
	// disables the cap.
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1024 * 1024}
}

// State is the assembler's position in the marker protocol.
type State uint8

const (
	StateIdle State = iota
	StateCollecting
)

func (s State) String() string {
	if s == StateCollecting {
		return "collecting"
	}
	return "idle"
}

// Event is what one pushed line produced.
type Event uint8

const (
	EventNone Event = iota
	// EventPayload carries a complete base64 payload in Result.Payload.
	EventPayload
	// EventLog carries a deduplicated diagnostic line in Result.Text.
	EventLog
	// EventDropped reports an abandoned frame; Result.Err holds the cause.
	EventDropped
)

type Result struct {
	Event   Event
	Payload string
	Text    string
	Err     error
}

// Assembler turns classified lines into complete frame payloads.
// One Assembler belongs to one connection and is not safe for concurrent use.
type Assembler struct {
	limits  Limits
	policy  DesyncPolicy
	state   State
	pending []string
	size    int
	lastLog string
}

func NewAssembler(limits Limits, policy DesyncPolicy) *Assembler {
	return &Assembler{limits: limits, policy: policy}
}

func (a *Assembler) State() State {
	return a.state
}

// PendingLines returns the number of payload lines held for the open frame.
func (a *Assembler) PendingLines() int {
	return len(a.pending)
}

// PendingBytes returns the base64 text length held for the open frame.
func (a *Assembler) PendingBytes() int {
	return a.size
}

// Push advances the state machine by one line. Diagnostic lines never enter
// a payload; they are deduplicated against the last surfaced diagnostic in
// either state.
func (a *Assembler) Push(line wire.Line) Result {
	if line.Kind == wire.KindDiagnostic {
		if line.Text == a.lastLog {
			return Result{}
		}
		a.lastLog = line.Text
		return Result{Event: EventLog, Text: line.Text}
	}

	switch a.state {
	case StateIdle:
		if line.Kind == wire.KindBegin {
			a.open()
		}
		return Result{}

	case StateCollecting:
		switch line.Kind {
		case wire.KindEnd:
			payload := strings.Join(a.pending, "")
			a.close()
			return Result{Event: EventPayload, Payload: payload}
		case wire.KindBegin:
			if a.policy == ResyncErrorPolicy {
				a.close()
				return Result{Event: EventDropped, Err: ErrProtocolDesync}
			}
			a.open()
			return Result{}
		default:
			a.pending = append(a.pending, line.Text)
			a.size += len(line.Text)
			if a.limits.MaxPayloadBytes > 0 && a.size > a.limits.MaxPayloadBytes {
				a.close()
				return Result{Event: EventDropped, Err: ErrPayloadTooLarge}
			}
			return Result{}
		}
	}
	return Result{}
}

// Abort drops the open frame, if any, keeping diagnostic dedup state.
// It reports whether a frame was open.
func (a *Assembler) Abort() bool {
	open := a.state == StateCollecting
	a.close()
	return open
}

// Reset returns to Idle and forgets the open frame and the last diagnostic.
func (a *Assembler) Reset() {
	a.close()
	a.lastLog = ""
}

func (a *Assembler) open() {
	a.discard()
	a.state = StateCollecting
}

func (a *Assembler) close() {
	a.discard()
	a.state = StateIdle
}

func (a *Assembler) discard() {
	clear(a.pending)
	a.pending = a.pending[:0]
	a.size = 0
}

// Decode converts a joined base64 payload into raw luma bytes.
func Decode(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw, nil
}
