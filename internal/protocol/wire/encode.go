package wire

import (
	"encoding/base64"
	"fmt"
	"io"
)

// DefaultStride is the number of raw bytes per base64 line written by EncodeFrame.
const DefaultStride = 96

// EncodeFrame writes luma between begin/end markers, base64-encoding stride
// raw bytes per line. It produces the same layout the camera firmware sends.
// stride is rounded down to a multiple of 3 so that only the last line
// carries padding.
func EncodeFrame(w io.Writer, luma []byte, stride int) error {
	if stride <= 0 {
		stride = DefaultStride
	}
	stride = max(stride-stride%3, 3)
	if err := writeLine(w, BeginMarker); err != nil {
		return err
	}
	for i := 0; i < len(luma); i += stride {
		end := min(i+stride, len(luma))
		if err := writeLine(w, base64.StdEncoding.EncodeToString(luma[i:end])); err != nil {
			return err
		}
	}
	return writeLine(w, EndMarker)
}

// EncodeDiagnostic writes one mem_free line.
func EncodeDiagnostic(w io.Writer, free int) error {
	return writeLine(w, fmt.Sprintf("%s%d", DiagnosticPrefix, free))
}

func writeLine(w io.Writer, text string) error {
	if _, err := io.WriteString(w, text); err != nil {
		return err
	}
	_, err := w.Write(Terminator)
	return err
}
