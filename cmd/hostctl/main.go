package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/PavelBrokhman/paradox/internal/config"
	"github.com/PavelBrokhman/paradox/internal/host"
	"github.com/PavelBrokhman/paradox/internal/ipc"
	"github.com/PavelBrokhman/paradox/internal/logging"
)

func main() {
	var (
		serverMode = flag.Bool("server", false, "run the pooling server for the tool path")
		directMode = flag.Bool("direct", false, "run the tool in-process without a server")
		shutdown   = flag.Bool("shutdown", false, "ask the running server for the tool path to exit")
		configPath = flag.String("config", "", "path to a TOML config file")
	)
	flag.Usage = usage
	flag.Parse()

	logging.ConfigureRuntime()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	toolPath := flag.Arg(0)
	args := flag.Args()[1:]

	switch {
	case *serverMode:
		os.Exit(runServer(toolPath, *configPath))
	case *shutdown:
		os.Exit(runShutdown(toolPath, *configPath))
	case *directMode:
		os.Exit(int(runDirect(toolPath, args)))
	default:
		os.Exit(int(runClient(toolPath, args, *configPath)))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: hostctl [flags] <tool-path> [tool args...]

Runs the tool through its pooling server, starting one when none is
listening. Modes:

  hostctl <tool> [args...]       run through the server (default)
  hostctl -server <tool>         serve the tool's pool in the foreground
  hostctl -direct <tool> [args]  run once in-process, no server
  hostctl -shutdown <tool>       stop the tool's server

Flags:
`)
	flag.PrintDefaults()
}

func runServer(toolPath, configPath string) int {
	cfg, err := config.LoadServiceConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		return 1
	}
	cfg.ToolPath = toolPath
	cfg = cfg.ApplyEnvOverrides()

	svc, err := ipc.NewService(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		return 1
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		return 1
	}
	return 0
}

func runShutdown(toolPath, configPath string) int {
	cfg, err := loadClientConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		return 1
	}
	client := ipc.NewClient(cfg)
	if err := client.Shutdown(context.Background(), toolPath); err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		return 1
	}
	return 0
}

func runDirect(toolPath string, args []string) int32 {
	normalized, err := ipc.NormalizeToolPath(toolPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		return 1
	}

	poolCfg := host.DefaultConfig()
	poolCfg.CachingEnabled = false
	cfg := ipc.ServiceConfig{Pool: poolCfg}.ApplyEnvOverrides()

	pool, err := host.NewPool(normalized, host.ProcessLoader{}, cfg.Pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		return 1
	}
	defer pool.Shutdown()

	code, err := pool.AcquireAndRun(context.Background(), args, renderSink())
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
	}
	return code
}

func runClient(toolPath string, args []string, configPath string) int32 {
	cfg, err := loadClientConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		return 1
	}
	client := ipc.NewClient(cfg)
	code, err := client.Run(context.Background(), toolPath, args, renderSink())
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
	}
	return code
}

// renderSink maps streamed records back onto the standard streams the hosted
// tool would have written to when run directly.
func renderSink() host.Sink {
	return host.SinkFunc(func(rec host.LogRecord) {
		switch rec.Severity {
		case host.SeverityInfo:
			fmt.Fprintln(os.Stdout, rec.Text)
		default:
			fmt.Fprintln(os.Stderr, rec.Text)
		}
	})
}
