package main

import (
	"flag"
	"log"

	"github.com/danmuck/flowctl/internal/config"
)

func main() {
	kind := flag.String("kind", "node", "config kind: node|secure")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/flownode/config.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if _, err := config.Template(*kind); err != nil {
		log.Fatal(err)
	}

	if *validate {
		path := *input
		if path == "" {
			path = "cmd/flownode/config.toml"
		}
		cfg, err := config.LoadNodeFile(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated node config for %q at %s (%d peers)", cfg.Party, path, len(cfg.Peers))
		return
	}

	target := *output
	if target == "" {
		target = "cmd/flownode/config.toml"
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
