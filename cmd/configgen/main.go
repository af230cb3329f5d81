package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sschatools/sschactl/internal/cluster"
	"github.com/sschatools/sschactl/internal/input"
)

func main() {
	kind := flag.String("kind", "scha", "config kind: scha|cluster")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	in := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *in
		if path == "" {
			path = defaultPath(*kind)
		}
		switch *kind {
		case "scha":
			if _, err := input.Load(path); err != nil {
				log.Fatal(err)
			}
		case "cluster":
			if _, err := cluster.LoadProfile(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	var template string
	switch *kind {
	case "scha":
		template = input.Template
	case "cluster":
		template = cluster.ProfileTemplate
	default:
		log.Fatalf("unknown kind: %s", *kind)
	}
	if err := writeTemplate(target, template, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "scha":
		return "scha.in"
	case "cluster":
		return "cluster.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func writeTemplate(path, content string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s exists, use -force to overwrite", path)
		}
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
