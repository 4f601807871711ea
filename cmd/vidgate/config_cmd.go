// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/vidgate/internal/config"
	"github.com/ManuGH/vidgate/internal/version"
)

const redacted = "***"

func runConfigCLI(args []string) int {
	return configCLI(args, os.Stdout, os.Stderr)
}

func configCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage(stderr)
		return 0
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], stdout, stderr)
	case "dump":
		return runConfigDump(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown subcommand: %s\n\n", args[0])
		printConfigUsage(stderr)
		return 2
	}
}

func printConfigUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  vidgate config validate [--file|-f config.yaml]")
	fmt.Fprintln(w, "  vidgate config dump [--file|-f config.yaml]")
}

func fileFlag(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var file string
	fs.StringVar(&file, "file", "", "path to YAML configuration file")
	fs.StringVar(&file, "f", "", "path to YAML configuration file (shorthand)")
	return fs, &file
}

func runConfigValidate(args []string, stdout, stderr io.Writer) int {
	fs, file := fileFlag("vidgate config validate", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := strings.TrimSpace(*file)
	if _, err := config.NewLoader(path, version.Version).Load(); err != nil {
		fmt.Fprintf(stderr, "Configuration error in %s:\n  %v\n", describe(path), err)
		return 1
	}
	fmt.Fprintf(stdout, "%s is valid\n", describe(path))
	return 0
}

// runConfigDump prints the effective configuration with secrets masked.
func runConfigDump(args []string, stdout, stderr io.Writer) int {
	fs, file := fileFlag("vidgate config dump", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.NewLoader(strings.TrimSpace(*file), version.Version).Load()
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}

	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(redact(cfg)); err != nil {
		fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	_ = enc.Close()
	return 0
}

func redact(cfg config.AppConfig) config.AppConfig {
	if cfg.Storage.AccessKey != "" {
		cfg.Storage.AccessKey = redacted
	}
	if cfg.Storage.SecretKey != "" {
		cfg.Storage.SecretKey = redacted
	}
	if cfg.Cache.Redis.Password != "" {
		cfg.Cache.Redis.Password = redacted
	}
	return cfg
}

func describe(path string) string {
	if path == "" {
		return "environment configuration"
	}
	return path
}
