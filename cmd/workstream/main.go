package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/workstream/config"
	"github.com/BaSui01/workstream/types"
)

// 构建信息，通过 -ldflags 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1], os.Args[2:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func dispatch(ctx context.Context, command string, args []string, out io.Writer) error {
	switch command {
	case "validate":
		return runValidate(args, out)
	case "plan":
		return runPlan(args, out)
	case "run":
		return runRun(ctx, args, out)
	case "serve":
		return runServe(ctx, args)
	case "runs":
		return runHistory(ctx, args, out)
	case "version":
		printVersion(out)
		return nil
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// exitCode 模板与配置错误返回 2，其余失败返回 1
func exitCode(err error) int {
	if types.IsConfigurationError(err) {
		return 2
	}
	return 1
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "workstream %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `workstream - DAG workstream execution engine

Usage:
  workstream <command> [options]

Commands:
  validate  Load and validate a templates file
  plan      Instantiate the execution plan for an intent
  run       Plan and execute an intent against the atom service
  serve     Start the HTTP server (runs, metrics, health)
  runs      List or show archived runs
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>     Path to configuration file (YAML)
  --templates <path>  Override templates.path from the config
  --intent <name>     Intent to execute
  --context k=v       Request context value (repeatable)
  --input <json|@file> Run input, inline JSON or a JSON/YAML file
  --format json|yaml  Output format

Examples:
  workstream validate --templates templates.yaml
  workstream plan --templates templates.yaml --intent weather_report --context city=Paris
  workstream run --config config.yaml --intent weather_report --input '{"city":"Paris"}'
  workstream serve --config /etc/workstream/config.yaml
  workstream runs --config config.yaml --intent weather_report --limit 10
  workstream version`)
}

// initLogger 按日志配置构建 zap logger，构建失败时回退到 production logger
func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
