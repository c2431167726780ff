package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/serialview/internal/observability"
	"github.com/danmuck/serialview/internal/transport"
	"github.com/danmuck/serialview/internal/viewer"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a serialview config file")
	kind := flag.String("transport", "", "transport kind: serial|tcp|file")
	port := flag.String("port", "", "serial device, e.g. /dev/ttyUSB0")
	baud := flag.Int("baud", 0, "serial baud rate")
	address := flag.String("address", "", "tcp address of a stream bridge")
	path := flag.String("path", "", "capture file to replay, - for stdin")
	httpAddr := flag.String("http", "", "display listen address")
	listPorts := flag.Bool("list-ports", false, "list serial ports and exit")
	flag.Parse()

	observability.InitLogger("serialview")

	if *listPorts {
		ports, err := transport.SerialPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "serialview: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg := viewer.DefaultConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "serialview: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(*kind))
		case "port":
			cfg.Transport.Port = *port
		case "baud":
			cfg.Transport.Baud = *baud
		case "address":
			cfg.Transport.Address = *address
		case "path":
			cfg.Transport.Path = *path
		case "http":
			cfg.HTTPAddr = *httpAddr
		}
	})
	// A bare -path implies file replay.
	if *path != "" && *kind == "" && *configPath == "" {
		cfg.Transport.Kind = transport.KindFile
	}

	log.Info().Str("config", cfg.String()).Msg("serialview starting")
	if err := viewer.NewService(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "serialview: %v\n", err)
		os.Exit(1)
	}
}
