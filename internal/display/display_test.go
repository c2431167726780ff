package display

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/serialview/internal/pixel"
	"github.com/danmuck/serialview/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func newTestDisplay(t *testing.T, sizes ...int) *Display {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	d := Appear("display.test", "127.0.0.1:0", nil, sizes)
	d.RegisterRoutes()
	return d
}

func get(d *Display, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	d.HTTPRouter().ServeHTTP(rec, req)
	return rec
}

func mustExpand(t *testing.T, side int, y byte) pixel.Buffer {
	t.Helper()
	buf, err := pixel.Expand(bytes.Repeat([]byte{y}, side*side))
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	return buf
}

func TestFrameRoutesBeforeFirstFrame(t *testing.T) {
	d := newTestDisplay(t, 3)
	if rec := get(d, "/frame.png"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first frame, got %d", rec.Code)
	}
	if rec := get(d, "/frame"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first frame, got %d", rec.Code)
	}
}

func TestFramePNGServesLatestFrame(t *testing.T) {
	d := newTestDisplay(t, 3)
	d.OnFrame(mustExpand(t, 3, 10))
	d.OnFrame(mustExpand(t, 3, 128))

	rec := get(d, "/frame.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 3 {
		t.Fatalf("unexpected width: %d", img.Bounds().Dx())
	}
	r, g, b, a := img.At(2, 2).RGBA()
	if r>>8 != 128 || g>>8 != 128 || b>>8 != 128 || a>>8 != 255 {
		t.Fatalf("unexpected pixel: %d %d %d %d", r>>8, g>>8, b>>8, a>>8)
	}

	meta := get(d, "/frame")
	var body struct {
		Side     int    `json:"side"`
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(meta.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if body.Side != 3 || body.Sequence != 2 {
		t.Fatalf("unexpected meta: %+v", body)
	}
}

func TestRejectedSizeKeepsPreviousFrame(t *testing.T) {
	d := newTestDisplay(t, 3)
	d.OnFrame(mustExpand(t, 3, 50))
	d.OnFrame(mustExpand(t, 4, 90))

	f, ok := d.Latest()
	if !ok || f.Buffer.Side != 3 || f.Sequence != 1 {
		t.Fatalf("expected previous frame kept, got ok=%v frame=%+v", ok, f.Sequence)
	}
	if d.Rejected() != 1 {
		t.Fatalf("unexpected rejected count: %d", d.Rejected())
	}
}

func TestDefaultSizes(t *testing.T) {
	d := newTestDisplay(t)
	if !d.Accepts(96) || !d.Accepts(240) || d.Accepts(3) {
		t.Fatalf("unexpected default sizes: %v", d.Sizes)
	}
}

func TestLogsRingKeepsNewest(t *testing.T) {
	d := newTestDisplay(t)
	for i := 0; i < logHistory+5; i++ {
		d.OnLog("mem_free " + string(rune('a'+i%26)))
	}
	logs := d.Logs()
	if len(logs) != logHistory {
		t.Fatalf("unexpected log count: %d", len(logs))
	}
	want := "mem_free " + string(rune('a'+(logHistory+4)%26))
	if logs[len(logs)-1].Text != want {
		t.Fatalf("unexpected newest log: %q want %q", logs[len(logs)-1].Text, want)
	}

	rec := get(d, "/logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestReadyReflectsConnection(t *testing.T) {
	d := newTestDisplay(t)
	if rec := get(d, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while disconnected, got %d", rec.Code)
	}
	d.SetStatus(true, "connected")
	rec := get(d, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while connected, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "connected" {
		t.Fatalf("unexpected status body: %v", body)
	}
}

func TestHealthAndIndex(t *testing.T) {
	d := newTestDisplay(t)
	if rec := get(d, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", rec.Code)
	}
	rec := get(d, "/")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("/frame.png")) {
		t.Fatalf("unexpected index response: %d", rec.Code)
	}
}
