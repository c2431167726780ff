package viewer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/serialview/internal/protocol/wire"
	"github.com/danmuck/serialview/internal/testutil/testlog"
	"github.com/danmuck/serialview/internal/transport"
	"github.com/gin-gonic/gin"
)

type fakeConn struct {
	name   string
	chunks [][]byte
	err    error
	closed bool
}

func (c *fakeConn) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.chunks) == 0 {
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	return chunk, nil
}

func (c *fakeConn) Name() string { return c.name }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type scriptedOpener struct {
	mu    sync.Mutex
	steps []func() (Connection, error)
	calls int
	conns []*fakeConn
}

func (o *scriptedOpener) open(ctx context.Context, _ transport.Config) (Connection, error) {
	o.mu.Lock()
	o.calls++
	if len(o.steps) == 0 {
		o.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := o.steps[0]
	o.steps = o.steps[1:]
	o.mu.Unlock()
	return step()
}

func (o *scriptedOpener) conn(chunks []string, err error) func() (Connection, error) {
	return func() (Connection, error) {
		c := &fakeConn{name: "fake", err: err}
		for _, s := range chunks {
			c.chunks = append(c.chunks, []byte(s))
		}
		o.mu.Lock()
		o.conns = append(o.conns, c)
		o.mu.Unlock()
		return c, nil
	}
}

func encoded(t *testing.T, luma []byte) string {
	t.Helper()
	var buf bytes.Buffer
	if err := wire.EncodeFrame(&buf, luma, wire.DefaultStride); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.String()
}

func testConfig(sizes ...int) Config {
	cfg := DefaultConfig()
	cfg.ID = "viewer.test"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Sizes = sizes
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	return cfg
}

func TestServeSingleConnectionWithoutReconnect(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testConfig(2)
	cfg.Reconnect = false

	op := &scriptedOpener{}
	op.steps = append(op.steps, op.conn([]string{
		"boot\r\nmem_free 100\r\n",
		encoded(t, []byte{1, 2, 3, 4}),
	}, nil))

	svc := NewServiceWithOpener(cfg, op.open)
	if err := svc.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	f, ok := svc.Display().Latest()
	if !ok || f.Buffer.Side != 2 {
		t.Fatalf("expected displayed 2x2 frame, ok=%v", ok)
	}
	logs := svc.Display().Logs()
	if len(logs) != 1 || logs[0].Text != "mem_free 100" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if !op.conns[0].closed {
		t.Fatalf("expected connection closed")
	}
	st := svc.Stats()
	if st.Frames != 1 || st.Logs != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if svc.ConnectionID() != "" {
		t.Fatalf("expected no active connection")
	}
}

func TestServeReturnsTransportErrorWithoutReconnect(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testConfig(2)
	cfg.Reconnect = false
	boom := errors.New("no such port")

	op := &scriptedOpener{}
	op.steps = append(op.steps, func() (Connection, error) { return nil, boom })

	svc := NewServiceWithOpener(cfg, op.open)
	if err := svc.Serve(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestReconnectUsesFreshParserState(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testConfig(2, 3)

	op := &scriptedOpener{}
	op.steps = append(op.steps,
		func() (Connection, error) { return nil, errors.New("port busy") },
		// Dies mid-frame.
		op.conn([]string{"\r\n" + wire.BeginMarker + "\r\nAQID"}, errors.New("unplugged")),
		// Tail of the abandoned frame, then a whole new frame.
		op.conn([]string{"BA==\r\n" + wire.EndMarker + "\r\n", encoded(t, []byte{9, 9, 9, 9, 9, 9, 9, 9, 9})}, nil),
	)

	svc := NewServiceWithOpener(cfg, op.open)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		op.mu.Lock()
		calls := op.calls
		op.mu.Unlock()
		if calls >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("opener not exhausted, calls=%d", calls)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}

	f, ok := svc.Display().Latest()
	if !ok {
		t.Fatalf("expected a displayed frame")
	}
	if f.Sequence != 1 || f.Buffer.Side != 3 {
		t.Fatalf("partial frame leaked across connections: seq=%d side=%d", f.Sequence, f.Buffer.Side)
	}
	if svc.Connections() != 2 {
		t.Fatalf("unexpected connection count: %d", svc.Connections())
	}
}

func TestServeRejectsInvalidHeartbeat(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testConfig(2)
	cfg.HeartbeatInterval = 0
	svc := NewServiceWithOpener(cfg, (&scriptedOpener{}).open)
	if err := svc.Serve(context.Background()); !errors.Is(err, ErrInvalidHeartbeatInterval) {
		t.Fatalf("expected ErrInvalidHeartbeatInterval, got %v", err)
	}
}

// stuckConn ignores cancellation until released.
type stuckConn struct {
	release chan struct{}
}

func (c *stuckConn) Next(context.Context) ([]byte, error) {
	<-c.release
	return nil, io.EOF
}

func (c *stuckConn) Name() string { return "stuck" }
func (c *stuckConn) Close() error { return nil }

func TestServeReturnsOnCancelWithStuckRead(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testConfig(2)
	stuck := &stuckConn{release: make(chan struct{})}
	defer close(stuck.release)

	op := &scriptedOpener{}
	op.steps = append(op.steps, func() (Connection, error) { return stuck, nil })

	svc := NewServiceWithOpener(cfg, op.open)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}

func TestFileEndOfStreamIsTerminal(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testConfig(2)
	cfg.Transport.Kind = transport.KindFile
	cfg.Transport.Path = "capture.txt"
	cfg.Reconnect = true

	op := &scriptedOpener{}
	op.steps = append(op.steps,
		op.conn([]string{"\r\n" + encoded(t, []byte{1, 2, 3, 4})}, nil),
		op.conn([]string{"\r\n" + encoded(t, []byte{5, 6, 7, 8})}, nil),
	)

	svc := NewServiceWithOpener(cfg, op.open)
	if err := svc.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if svc.Connections() != 1 {
		t.Fatalf("file replayed %d times", svc.Connections())
	}
	f, ok := svc.Display().Latest()
	if !ok || f.Sequence != 1 {
		t.Fatalf("expected exactly one frame, ok=%v seq=%d", ok, f.Sequence)
	}
}
