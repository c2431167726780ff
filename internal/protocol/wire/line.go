package wire

import (
	"bytes"
	"errors"
)

var (
	ErrLineTooLong = errors.New("wire: unterminated line exceeds limit")
)

// Terminator separates lines on the wire.
var Terminator = []byte("\r\n")

// Limits constrains line assembly memory use.
type Limits struct {
	// MaxLineBytes caps the unterminated tail. Zero disables the cap.
	MaxLineBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxLineBytes: 64 * 1024}
}

// LineAssembler splits an arbitrarily chunked byte stream into CRLF lines.
//
// Bytes before the first terminator are discarded: a reader attached
// mid-stream cannot know where the partial line began. The zero value is
// ready to use with no line cap.
type LineAssembler struct {
	limits   Limits
	synced   bool
	buf      []byte
	off      int
	overflow uint64
}

func NewLineAssembler(limits Limits) *LineAssembler {
	return &LineAssembler{limits: limits}
}

// Feed appends chunk and returns every line completed by it, in order.
// The chunk is copied; the caller may reuse it.
//
// When the unterminated tail grows past MaxLineBytes it is dropped together
// with line sync, and ErrLineTooLong is returned alongside any lines that
// were completed before the overflow.
func (a *LineAssembler) Feed(chunk []byte) ([]string, error) {
	a.buf = append(a.buf, chunk...)

	if !a.synced {
		// Keep the last byte: it may be the CR of a split terminator.
		idx := bytes.Index(a.buf, Terminator)
		if idx < 0 {
			if len(a.buf) > 1 {
				a.buf = append(a.buf[:0], a.buf[len(a.buf)-1])
			}
			return nil, nil
		}
		a.synced = true
		a.off = idx + len(Terminator)
	}

	var lines []string
	for {
		idx := bytes.Index(a.buf[a.off:], Terminator)
		if idx < 0 {
			break
		}
		lines = append(lines, string(a.buf[a.off:a.off+idx]))
		a.off += idx + len(Terminator)
	}
	a.compact()

	if a.limits.MaxLineBytes > 0 && a.Pending() > a.limits.MaxLineBytes {
		a.overflow++
		a.Reset()
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// Synced reports whether a terminator has been observed since the last reset.
func (a *LineAssembler) Synced() bool {
	return a.synced
}

// Pending returns the number of buffered bytes awaiting a terminator.
func (a *LineAssembler) Pending() int {
	return len(a.buf) - a.off
}

// Overflows returns how many times the tail was dropped for exceeding the cap.
func (a *LineAssembler) Overflows() uint64 {
	return a.overflow
}

// Reset drops buffered bytes and line sync.
func (a *LineAssembler) Reset() {
	a.synced = false
	a.buf = a.buf[:0]
	a.off = 0
}

func (a *LineAssembler) compact() {
	if a.off == 0 {
		return
	}
	if a.off == len(a.buf) {
		a.buf = a.buf[:0]
		a.off = 0
		return
	}
	if a.off < len(a.buf)/2 {
		return
	}
	n := copy(a.buf, a.buf[a.off:])
	a.buf = a.buf[:n]
	a.off = 0
}
