package main

import (
	"flag"

	"github.com/danmuck/serialview/internal/config"
	"github.com/danmuck/serialview/internal/observability"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/serialview/config.toml"

func main() {
	kind := flag.String("kind", "viewer", "config kind: viewer|tcp")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to "+defaultPath+")")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	observability.InitLogger("configgen")

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		raw, err := config.LoadViewerConfig(path)
		if err != nil {
			log.Fatal().Err(err).Msg("configgen validate failed")
		}
		cfg, err := config.ToViewer(raw)
		if err != nil {
			log.Fatal().Err(err).Msg("configgen convert failed")
		}
		log.Info().Str("path", path).Str("config", cfg.String()).Msg("configgen validated")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("configgen write failed")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("configgen wrote template")
}
