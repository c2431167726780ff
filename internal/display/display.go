package display

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/serialview/internal/node"
	"github.com/danmuck/serialview/internal/observability"
	"github.com/danmuck/serialview/internal/pixel"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	version    = "0.0.1"
	logHistory = 64
)

// DefaultSizes are the frame sides the camera firmware can send.
var DefaultSizes = []int{96, 240}

// Frame is the latest accepted frame with its arrival metadata.
type Frame struct {
	Buffer     pixel.Buffer
	Sequence   uint64
	ReceivedAt time.Time
}

type LogEntry struct {
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Display is the frame sink served over HTTP. It keeps only the newest
// frame; a rejected or dropped frame leaves the previous one on screen.
type Display struct {
	ID       string
	Addr     string
	Sizes    []int
	Appeared time.Time

	mu        sync.RWMutex
	latest    Frame
	hasFrame  bool
	seq       uint64
	rejected  uint64
	logs      []LogEntry
	connected bool
	status    string

	router *gin.Engine
}

var _ node.Node = (*Display)(nil)

func Appear(id, addr string, corsOrigins []string, sizes []int) *Display {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "/frame.png", "/frame", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	if len(sizes) == 0 {
		sizes = DefaultSizes
	}
	return &Display{
		ID:       id,
		Addr:     addr,
		Sizes:    slices.Clone(sizes),
		Appeared: time.Now(),
		status:   "ready",
		router:   r,
	}
}

func (d *Display) NodeID() string {
	return d.ID
}

func (d *Display) Kind() string {
	return "display"
}

func (d *Display) HTTPRouter() *gin.Engine {
	return d.router
}

// Accepts reports whether a frame of the given side can be shown.
func (d *Display) Accepts(side int) bool {
	return slices.Contains(d.Sizes, side)
}

// OnFrame takes ownership of buf. Unaccepted sizes are counted and ignored.
func (d *Display) OnFrame(buf pixel.Buffer) {
	if !d.Accepts(buf.Side) {
		d.mu.Lock()
		d.rejected++
		d.mu.Unlock()
		observability.RecordDisplayRejected()
		log.Warn().Int("side", buf.Side).Ints("accepted", d.Sizes).Msg("display.Display.OnFrame size rejected")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.latest = Frame{Buffer: buf, Sequence: d.seq, ReceivedAt: time.Now()}
	d.hasFrame = true
}

func (d *Display) OnLog(text string) {
	log.Info().Str("line", text).Msg("display.Display.OnLog")
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.logs) == logHistory {
		copy(d.logs, d.logs[1:])
		d.logs = d.logs[:logHistory-1]
	}
	d.logs = append(d.logs, LogEntry{Text: text, ReceivedAt: time.Now()})
}

// SetStatus updates the connection status shown by /ready and /status.
func (d *Display) SetStatus(connected bool, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = connected
	d.status = strings.TrimSpace(status)
}

func (d *Display) Latest() (Frame, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest, d.hasFrame
}

func (d *Display) Logs() []LogEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.logs)
}

func (d *Display) Rejected() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rejected
}

func (d *Display) RegisterRoutes() {
	d.router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
	})

	d.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(d.Appeared).String(),
			"service": d.ID,
			"version": version,
		})
	})

	d.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	d.router.GET("/ready", func(c *gin.Context) {
		d.mu.RLock()
		connected, status := d.connected, d.status
		d.mu.RUnlock()
		code := http.StatusOK
		if !connected {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   connected,
			"status":  status,
			"uptime":  time.Since(d.Appeared).String(),
			"service": d.ID,
			"version": version,
		})
	})

	d.router.GET("/frame", func(c *gin.Context) {
		f, ok := d.Latest()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no frame yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"side":        f.Buffer.Side,
			"sequence":    f.Sequence,
			"received_at": f.ReceivedAt,
			"rejected":    d.Rejected(),
		})
	})

	d.router.GET("/frame.png", func(c *gin.Context) {
		f, ok := d.Latest()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no frame yet"})
			return
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, f.Buffer.Image()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", buf.Bytes())
	})

	d.router.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": d.Logs()})
	})
}

// Serve runs the HTTP server until ctx is done.
func (d *Display) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.Addr,
		Handler:           d.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("id", d.ID).Str("addr", d.Addr).Msg("display.Display.Serve listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		out = append(out, origin)
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}

const indexHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>serialview</title>
<style>body{font-family:monospace;background:#222;color:#ddd}img{image-rendering:pixelated;width:480px;height:480px;background:#000}</style>
</head>
<body>
<p>status: <span id="status">ready</span></p>
<img id="frame" alt="waiting for frame">
<pre id="logs"></pre>
<script>
"use strict";
const IMG = document.querySelector('#frame');
const STATUS = document.querySelector('#status');
const LOGS = document.querySelector('#logs');
let seq = 0;
async function poll() {
    try {
        const r = await fetch('/ready');
        STATUS.textContent = (await r.json()).status;
        const f = await fetch('/frame');
        if (f.ok) {
            const meta = await f.json();
            if (meta.sequence !== seq) {
                seq = meta.sequence;
                IMG.src = '/frame.png?seq=' + seq;
            }
        }
        const l = await (await fetch('/logs')).json();
        LOGS.textContent = l.logs.map(e => e.text).join('\n');
    } catch (e) {
        STATUS.textContent = 'unreachable';
    }
    setTimeout(poll, 500);
}
poll();
</script>
</body>
</html>
`
