package main

import (
	"flag"
	"log"

	"github.com/danmuck/wanhub/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "hub":
		return "wanhub.toml"
	case "ping":
		return "whping.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", "hub", "config kind: hub|ping")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing hub config file")
	input := flag.String("input", "", "config path for validation (defaults to the per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "hub" {
			log.Fatalf("validation supports kind hub; check ping configs with whping -config")
		}
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.LoadHubConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := config.HubOptions(cfg); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
