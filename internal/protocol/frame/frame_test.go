package frame

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/danmuck/serialview/internal/protocol/wire"
	"github.com/danmuck/serialview/internal/testutil/testlog"
)

func pushAll(a *Assembler, lines ...string) []Result {
	var out []Result
	for _, l := range lines {
		if r := a.Push(wire.Classify(l)); r.Event != EventNone {
			out = append(out, r)
		}
	}
	return out
}

func TestAssemblerJoinsPayloadLines(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(DefaultLimits(), RestartPolicy)
	got := pushAll(a, "noise", wire.BeginMarker, "gICA", "gICA", "gICA", wire.EndMarker)
	if len(got) != 1 || got[0].Event != EventPayload {
		t.Fatalf("expected one payload event, got %+v", got)
	}
	if got[0].Payload != "gICAgICAgICA" {
		t.Fatalf("unexpected payload: %q", got[0].Payload)
	}
	if a.State() != StateIdle || a.PendingLines() != 0 || a.PendingBytes() != 0 {
		t.Fatalf("expected clean idle state, got state=%s lines=%d bytes=%d", a.State(), a.PendingLines(), a.PendingBytes())
	}
}

func TestAssemblerIgnoresNoiseWhileIdle(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(DefaultLimits(), RestartPolicy)
	got := pushAll(a, "gICA", wire.EndMarker, "booting...", "")
	if len(got) != 0 {
		t.Fatalf("expected idle noise ignored, got %+v", got)
	}
	if a.State() != StateIdle {
		t.Fatalf("unexpected state: %s", a.State())
	}
}

func TestAssemblerDiagnosticDedup(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(DefaultLimits(), RestartPolicy)
	got := pushAll(a, "mem_free 1024", "mem_free 1024", "mem_free 1020", "mem_free 1024")
	if len(got) != 3 {
		t.Fatalf("expected 3 log events, got %+v", got)
	}
	want := []string{"mem_free 1024", "mem_free 1020", "mem_free 1024"}
	for i, r := range got {
		if r.Event != EventLog || r.Text != want[i] {
			t.Fatalf("event[%d] got=%+v want text=%q", i, r, want[i])
		}
	}
}

func TestAssemblerDiagnosticInsideFrameStaysOutOfPayload(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(DefaultLimits(), RestartPolicy)
	got := pushAll(a, wire.BeginMarker, "gICA", "mem_free 99", "gICA", wire.EndMarker)
	if len(got) != 2 {
		t.Fatalf("expected log and payload, got %+v", got)
	}
	if got[0].Event != EventLog || got[1].Payload != "gICAgICA" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestAssemblerRestartPolicyDropsPartialFrame(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(DefaultLimits(), RestartPolicy)
	got := pushAll(a, wire.BeginMarker, "AAAA", wire.BeginMarker, "gICA", wire.EndMarker)
	if len(got) != 1 || got[0].Event != EventPayload || got[0].Payload != "gICA" {
		t.Fatalf("expected only the restarted frame, got %+v", got)
	}
}

func TestAssemblerResyncErrorPolicy(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(DefaultLimits(), ResyncErrorPolicy)
	got := pushAll(a, wire.BeginMarker, "AAAA", wire.BeginMarker, "gICA", wire.EndMarker,
		wire.BeginMarker, "gICA", wire.EndMarker)
	if len(got) != 2 {
		t.Fatalf("expected drop then payload, got %+v", got)
	}
	if got[0].Event != EventDropped || !errors.Is(got[0].Err, ErrProtocolDesync) {
		t.Fatalf("expected desync drop, got %+v", got[0])
	}
	if got[1].Event != EventPayload || got[1].Payload != "gICA" {
		t.Fatalf("expected next full frame, got %+v", got[1])
	}
}

func TestAssemblerPayloadLimit(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(Limits{MaxPayloadBytes: 8}, RestartPolicy)
	got := pushAll(a, wire.BeginMarker, "AAAA", "AAAA", "AAAA", "AAAA", wire.EndMarker)
	if len(got) != 1 || got[0].Event != EventDropped || !errors.Is(got[0].Err, ErrPayloadTooLarge) {
		t.Fatalf("expected payload limit drop, got %+v", got)
	}
	if a.State() != StateIdle || a.PendingLines() != 0 {
		t.Fatalf("expected idle after drop")
	}
}

func TestAssemblerResetForgetsLastLog(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(DefaultLimits(), RestartPolicy)
	pushAll(a, "mem_free 1", wire.BeginMarker, "AAAA")
	a.Reset()
	if a.State() != StateIdle || a.PendingLines() != 0 {
		t.Fatalf("expected idle after reset")
	}
	if got := pushAll(a, "mem_free 1"); len(got) != 1 {
		t.Fatalf("expected diagnostic surfaced again after reset, got %+v", got)
	}
}

func TestDecode(t *testing.T) {
	testlog.Start(t)
	raw, err := Decode(base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 4 || raw[3] != 4 {
		t.Fatalf("unexpected bytes: %v", raw)
	}
	for _, bad := range []string{"!!!", "gIC", "gI=A"} {
		if _, err := Decode(bad); !errors.Is(err, ErrDecode) {
			t.Fatalf("Decode(%q) expected ErrDecode, got %v", bad, err)
		}
	}
}

func TestParseDesyncPolicy(t *testing.T) {
	testlog.Start(t)
	if p, err := ParseDesyncPolicy(""); err != nil || p != RestartPolicy {
		t.Fatalf("default policy got=%v err=%v", p, err)
	}
	if p, err := ParseDesyncPolicy("Error"); err != nil || p != ResyncErrorPolicy {
		t.Fatalf("error policy got=%v err=%v", p, err)
	}
	if _, err := ParseDesyncPolicy("ignore"); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}

func TestAssemblerAbortKeepsDedup(t *testing.T) {
	testlog.Start(t)
	a := NewAssembler(DefaultLimits(), RestartPolicy)
	pushAll(a, "mem_free 5", wire.BeginMarker, "AAAA")
	if !a.Abort() {
		t.Fatalf("expected open frame to be aborted")
	}
	if a.Abort() {
		t.Fatalf("expected no open frame on second abort")
	}
	if got := pushAll(a, "mem_free 5"); len(got) != 0 {
		t.Fatalf("expected dedup to survive abort, got %+v", got)
	}
}
