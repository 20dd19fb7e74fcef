package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/isovm-labs/isovm/internal/logging"
	"github.com/isovm-labs/isovm/internal/metrics"
	"github.com/isovm-labs/isovm/internal/runtimeconfig"
	"github.com/isovm-labs/isovm/internal/tracing"
	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
)

const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsageError  = 2
	ExitSigIntBase  = 128
	ExitSigInt      = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm     = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel = "info"
	DefaultLogFmt   = "text"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "validate" {
		runValidateCommand(os.Args[2:])
		return
	}
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		printVersion()
		os.Exit(ExitSuccess)
	}
	os.Exit(runInfoCommand(os.Args[1:]))
}

func printVersion() {
	fmt.Printf("isovm version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// runValidateCommand validates a runtime configuration document's schema,
// structure, and cross-field constraints without constructing a Runtime.
func runValidateCommand(args []string) {
	validateFlags := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := validateFlags.String("config", "", "Path to the runtime configuration YAML file (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")

	validateFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s validate -config <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Validates the structure and schema compatibility of an isovm runtime configuration file.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}

	if err := validateFlags.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing validate flags: %v\n", err)
		os.Exit(ExitUsageError)
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config flag is required for validation")
		validateFlags.Usage()
		os.Exit(ExitUsageError)
	}

	log := logging.NewLogger(*logLevel, "text", os.Stderr)
	log.Infof("Validating runtime configuration: %s", *configPath)

	configBytes, err := os.ReadFile(*configPath)
	if err != nil {
		log.Errorf("Failed to read configuration file '%s': %v", *configPath, err)
		os.Exit(ExitFailure)
	}

	_, err = runtimeconfig.LoadConfig(configBytes, *configPath)
	if err != nil {
		var validationErr *isovmerrors.ValidationError
		var configErr *isovmerrors.ConfigError
		if errors.As(err, &validationErr) {
			log.Errorf("Configuration validation failed:\n%s", validationErr.Error())
		} else if errors.As(err, &configErr) {
			log.Errorf("Configuration error:\n%s", configErr.Error())
		} else {
			log.Errorf("Failed to load or validate configuration: %v", err)
		}
		os.Exit(ExitFailure)
	}

	log.Infof("Configuration validation successful: %s", *configPath)
	os.Exit(ExitSuccess)
}

// runInfoCommand loads a runtime configuration and reports what it would
// wire up. It stops short of constructing a Runtime: a resolver, a sandbox
// environment, and a source transformer are host-specific collaborators
// this module never implements (they are the external seams described by
// the resolver, sandbox, and transform packages), so there is nothing
// runnable without an embedding host supplying them.
func runInfoCommand(args []string) int {
	execFlags := flag.NewFlagSet("isovm", flag.ExitOnError)
	configPath := execFlags.String("config", "", "Path to the runtime configuration YAML file (required)")
	logLevel := execFlags.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	logFormat := execFlags.String("log-format", DefaultLogFmt, "Log format (text, json)")
	versionFlag := execFlags.Bool("version", false, "Print version information and exit")

	execFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags...] -config <path>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Loads and reports an isovm runtime configuration.")
		fmt.Fprintln(os.Stderr, "A resolver, sandbox environment, and transformer must be supplied by an")
		fmt.Fprintln(os.Stderr, "embedding host program via pkg/isovm/v1 before a Runtime can require modules.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		execFlags.PrintDefaults()
	}

	if err := execFlags.Parse(args); err != nil {
		return ExitUsageError
	}

	if *versionFlag {
		printVersion()
		return ExitSuccess
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config flag is required")
		execFlags.Usage()
		return ExitUsageError
	}
	if *logFormat != "text" && *logFormat != "json" {
		fmt.Fprintln(os.Stderr, "Error: -log-format must be 'text' or 'json'")
		return ExitUsageError
	}

	log := logging.NewLogger(*logLevel, *logFormat, os.Stderr)
	log = log.With("isovm_version", version)

	log.Infof("isovm runtime v%s starting...", version)

	configBytes, err := os.ReadFile(*configPath)
	if err != nil {
		log.Errorf("Failed to read configuration file '%s': %v", *configPath, err)
		return ExitFailure
	}

	cfg, err := runtimeconfig.LoadConfig(configBytes, *configPath)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		return ExitFailure
	}

	metricsProvider := metrics.NewPrometheusRegistryProvider()
	tracerProvider, err := tracing.NewProviderFromEnv(context.Background())
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		tracerProvider, _ = tracing.NewNoOpProvider()
	}
	_ = metricsProvider
	_ = tracerProvider

	log.Infof("Configuration loaded: rootDir=%s extensions=%v moduleDirectories=%v automock=%t",
		cfg.RootDir, cfg.Extensions, cfg.ModuleDirectories, cfg.Automock)
	log.Infof("Supply a resolver, sandbox environment, and transformer via pkg/isovm/v1.New to construct a Runtime.")

	return ExitSuccess
}
