package wire

import "strings"

const (
	BeginMarker      = "-----BEGIN FRAME-----"
	EndMarker        = "-----END FRAME-----"
	DiagnosticPrefix = "mem_free "
)

// Kind is the protocol role of one line.
type Kind uint8

const (
	KindData Kind = iota
	KindBegin
	KindEnd
	KindDiagnostic
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindEnd:
		return "end"
	case KindDiagnostic:
		return "diagnostic"
	default:
		return "data"
	}
}

// Line is a classified wire line.
type Line struct {
	Kind Kind
	Text string
}

func Classify(text string) Line {
	switch {
	case text == BeginMarker:
		return Line{Kind: KindBegin, Text: text}
	case text == EndMarker:
		return Line{Kind: KindEnd, Text: text}
	case strings.HasPrefix(text, DiagnosticPrefix):
		return Line{Kind: KindDiagnostic, Text: text}
	default:
		return Line{Kind: KindData, Text: text}
	}
}
