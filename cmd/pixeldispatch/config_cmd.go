package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/pixeldispatch/internal/config"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pixeldispatch config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check")
}

func printConfigLockHelp() {
	fmt.Println("Usage: pixeldispatch config lock [--config PATH | --config-dir PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize the current config by regenerating its integrity hash.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: pixeldispatch config check [--config PATH | --config-dir PATH] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, values and integrity.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Invalid")
	fmt.Println("  2  Valid with warnings (only with --strict)")
}

type checkResult struct {
	Path     string   `json:"path"`
	Valid    bool     `json:"valid"`
	Locked   bool     `json:"locked"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func runConfigCheck(args []string) int {
	var configPath, configDir string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&configDir, "config-dir", "", "Path to config directory")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	target, err := resolveConfigTarget(configPath, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	res := checkResult{Path: target, Errors: []string{}, Warnings: []string{}}
	data, err := os.ReadFile(target)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	} else if cfg, err := config.Parse(data); err != nil {
		res.Errors = append(res.Errors, err.Error())
	} else {
		res.Warnings = append(res.Warnings, configWarnings(cfg)...)
	}

	if _, err := config.LoadChecksums(filepath.Dir(target)); err != nil {
		res.Warnings = append(res.Warnings, "config is not locked: "+err.Error())
	} else if err := config.Check(target); err != nil {
		res.Errors = append(res.Errors, "integrity: "+err.Error())
	} else {
		res.Locked = true
	}
	res.Valid = len(res.Errors) == 0

	if jsonOut {
		if code := printJSON(res); code != 0 {
			return code
		}
	} else {
		printCheckResult(res)
	}

	if !res.Valid {
		return 1
	}
	if strict && len(res.Warnings) > 0 {
		return 2
	}
	return 0
}

// configWarnings flags settings that load but are probably not intended.
func configWarnings(cfg *config.Config) []string {
	var out []string
	if len(cfg.Devices) == 0 {
		out = append(out, "no devices configured; a single default display is used")
	} else {
		enabled := 0
		for _, d := range cfg.Devices {
			if d.Enabled {
				enabled++
			}
		}
		if enabled == 0 {
			out = append(out, "every device is disabled; display tasks will fail")
		}
	}
	if cfg.Interceptor.ModeDefault == "network" && cfg.Interceptor.WaitTimeout == 0 {
		out = append(out, "network mode without interceptor.wait_timeout blocks callers until resumed")
	}
	if !cfg.API.Enabled && cfg.Interceptor.ModeDefault != "local" {
		out = append(out, "api is disabled; blocked calls can only be released by switching mode")
	}
	return out
}

func printCheckResult(res checkResult) {
	status := "valid"
	if !res.Valid {
		status = "INVALID"
	}
	fmt.Printf("%s: %s\n", res.Path, status)
	for _, e := range res.Errors {
		fmt.Printf("  ERROR   %s\n", e)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  WARNING %s\n", w)
	}
	if res.Locked {
		fmt.Println("  integrity: ok")
	}
}

func runConfigLock(args []string) int {
	var configPath, configDir string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&configDir, "config-dir", "", "Path to config directory")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	target, err := resolveConfigTarget(configPath, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	// A config that no longer parses must not be authorized.
	data, err := os.ReadFile(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	report, err := config.Lock(target, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if isVerbose {
		fmt.Printf("Processing directory: %s\n", report.ConfigDir)
		for _, file := range report.Files {
			if file.Exists {
				fmt.Printf("  HASH %s %s\n", file.Filename, file.Hash)
			} else {
				fmt.Printf("  SKIP %s (missing)\n", file.Filename)
			}
		}
	}
	if report.Written {
		fmt.Printf("WROTE %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("DRY-RUN %s (not written)\n", report.ChecksumPath)
	}
	return 0
}

// resolveConfigTarget returns the absolute config file path named by either
// flag, falling back to discovery.
func resolveConfigTarget(configPath, configDir string) (string, error) {
	if configPath != "" && configDir != "" {
		return "", fmt.Errorf("use only one of --config or --config-dir")
	}
	target := configPath
	if configDir != "" {
		target = configDir
	}
	if strings.TrimSpace(target) == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return "", err
		}
		target = discovered
	}
	return config.ResolvePath(target)
}
