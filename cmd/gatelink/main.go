package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"gatelink/internal/infra/config"
	"gatelink/internal/infra/logger"
	"gatelink/internal/infra/tracer"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	commands := map[string]func([]string) error{
		"connect":  runConnect,
		"call":     runCall,
		"identity": runIdentity,
		"serve":    runServe,
		"discover": runDiscover,
		"encrypt":  runEncrypt,
	}

	name := os.Args[1]
	switch name {
	case "--help", "-h", "help":
		showUsage()
		return
	}
	run, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'gatelink --help' for usage information.\n", name)
		os.Exit(1)
	}

	err := run(os.Args[2:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`gatelink - authenticated WebSocket gateway client

USAGE:
    gatelink COMMAND [ARGS] [FLAGS]

COMMANDS:
    connect             Connect and stream gateway events as JSON lines
    call METHOD [JSON]  Send one request and print the response payload
    identity            Print this device's id and public key
    serve               Run a local reference gateway
    discover            Browse the local network for gateways
    encrypt VALUE       Encrypt a secret for the config file

FLAGS:
    -h, --help         Show this help message
    -c, --config PATH  Config file path (default: ./gatelink.yaml)
    -u, --url URL      Gateway URL, overrides the config
    --advertise        With serve: announce the gateway over mDNS

CONFIGURATION:
    Config file: ./gatelink.yaml
    Environment: GATELINK_* variables override config
    Secrets:     values prefixed "enc:" are decrypted with $GATELINK_CONFIG_KEY

EXAMPLES:
    gatelink connect --url ws://10.0.0.5:18789
    gatelink call health
    gatelink call sessions.list '{"limit":10}'
    gatelink serve --advertise
    GATELINK_CONFIG_KEY=secret gatelink encrypt my-token`)
}

func defaultConfigPath() string {
	if p := os.Getenv("GATELINK_CONFIG"); p != "" {
		return p
	}
	return "gatelink.yaml"
}

// cliFlags are the flags shared by every subcommand.
type cliFlags struct {
	Config    string
	URL       string
	Advertise bool
}

// parseFlags parses args for the named subcommand and returns the remaining
// positional arguments.
func parseFlags(name string, args []string) (*cliFlags, []string, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("gatelink "+name, flag.ContinueOnError)
	fs.StringVarP(&f.Config, "config", "c", defaultConfigPath(), "Config file path")
	fs.StringVarP(&f.URL, "url", "u", "", "Gateway URL, overrides the config")
	if name == "serve" {
		fs.BoolVar(&f.Advertise, "advertise", false, "Announce the gateway over mDNS")
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

// runtime bundles the ambient services every command starts with.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	cleanup func()
}

func setup(ctx context.Context, f *cliFlags) (*runtime, error) {
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if f.URL != "" {
		cfg.Gateway.URL = f.URL
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	return &runtime{
		cfg: cfg,
		log: log,
		cleanup: func() {
			if err := tracerShutdown(context.Background()); err != nil {
				log.Warn("tracer shutdown", "error", err)
			}
			logCloser()
		},
	}, nil
}
