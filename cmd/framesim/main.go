package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/serialview/internal/observability"
	"github.com/danmuck/serialview/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

type simOptions struct {
	Side     int
	Count    int
	Interval time.Duration
	Stride   int
	// MemFree starts the mem_free counter. It drops by Leak every frame so
	// that consecutive diagnostics differ only when Leak is non-zero.
	MemFree int
	Leak    int
}

func main() {
	listen := flag.String("listen", "", "serve the stream over tcp instead of stdout")
	side := flag.Int("side", 96, "frame side in pixels")
	count := flag.Int("count", 0, "frames to send per stream, 0 for unlimited")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between frames")
	stride := flag.Int("stride", wire.DefaultStride, "raw bytes per base64 line")
	memFree := flag.Int("mem-free", 180000, "initial mem_free value")
	leak := flag.Int("leak", 0, "mem_free decrease per frame")
	flag.Parse()
	observability.InitLogger("framesim")

	opts := simOptions{
		Side:     *side,
		Count:    *count,
		Interval: *interval,
		Stride:   *stride,
		MemFree:  *memFree,
		Leak:     *leak,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if *listen == "" {
		w := bufio.NewWriter(os.Stdout)
		err = stream(ctx, w, opts)
		if ferr := w.Flush(); err == nil {
			err = ferr
		}
	} else {
		err = serve(ctx, *listen, opts)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "framesim: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, addr string, opts simOptions) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	stopClose := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stopClose()
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Int("side", opts.Side).Msg("framesim listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			defer conn.Close()
			remote := conn.RemoteAddr().String()
			log.Info().Str("remote", remote).Msg("framesim client connected")
			if err := stream(ctx, conn, opts); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("remote", remote).Msg("framesim stream ended")
			}
		}()
	}
}

// stream writes frames and mem_free diagnostics to w until ctx is done or
// opts.Count frames are sent.
func stream(ctx context.Context, w io.Writer, opts simOptions) error {
	if opts.Side <= 0 {
		return fmt.Errorf("side must be positive: %d", opts.Side)
	}
	// A bare terminator lets a reader attached at stream start sync on it
	// instead of discarding the first diagnostic.
	if _, err := w.Write(wire.Terminator); err != nil {
		return err
	}
	luma := make([]byte, opts.Side*opts.Side)
	free := opts.MemFree
	for n := 0; opts.Count == 0 || n < opts.Count; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		fillPattern(luma, opts.Side, n)
		if err := wire.EncodeDiagnostic(w, free); err != nil {
			return err
		}
		if err := wire.EncodeFrame(w, luma, opts.Stride); err != nil {
			return err
		}
		if f, ok := w.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
		free -= opts.Leak
		if opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Interval):
			}
		}
	}
	return nil
}

// fillPattern draws a diagonal gradient that scrolls one pixel per frame.
func fillPattern(luma []byte, side, frame int) {
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			luma[y*side+x] = byte((x + y + frame) * 255 / (2 * side))
		}
	}
}
