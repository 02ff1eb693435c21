package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/workstream/config"
	"github.com/BaSui01/workstream/internal/server"
	"github.com/BaSui01/workstream/types"
	"github.com/BaSui01/workstream/workstream"
)

// kvFlag 可重复的 key=value 参数，值按 YAML 标量解析（数字、布尔保持类型）
type kvFlag map[string]any

func (f kvFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		v = raw
	}
	f[key] = v
	return nil
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("templates", config.DefaultTemplatesConfig().Path, "Path to templates file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := workstream.LoadRegistry(*path)
	if err != nil {
		return err
	}
	planner, err := workstream.NewPlanner(reg, zap.NewNop())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INTENT\tVERSION\tATOMS")
	for _, intent := range planner.Intents() {
		t, _ := planner.Template(intent)
		fmt.Fprintf(tw, "%s\t%s\t%d\n", t.Intent, t.Version, len(t.Atoms))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d templates valid\n", *path, len(reg))
	return nil
}

func runPlan(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	path := fs.String("templates", config.DefaultTemplatesConfig().Path, "Path to templates file (YAML or JSON)")
	intent := fs.String("intent", "", "Intent to plan")
	format := fs.String("format", "json", "Output format: json or yaml")
	reqCtx := kvFlag{}
	fs.Var(reqCtx, "context", "Request context key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *intent == "" {
		return types.NewError(types.ErrInvalidInput, "--intent is required")
	}

	reg, err := workstream.LoadRegistry(*path)
	if err != nil {
		return err
	}
	planner, err := workstream.NewPlanner(reg, zap.NewNop())
	if err != nil {
		return err
	}
	plan, err := planner.Plan(*intent, reqCtx)
	if err != nil {
		return err
	}
	return render(out, *format, plan)
}

func runRun(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (YAML)")
	templates := fs.String("templates", "", "Override templates.path")
	intent := fs.String("intent", "", "Intent to execute")
	inputArg := fs.String("input", "", "Run input: inline JSON or @file (JSON/YAML)")
	format := fs.String("format", "json", "Output format: json or yaml")
	reqCtx := kvFlag{}
	fs.Var(reqCtx, "context", "Request context key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *intent == "" {
		return types.NewError(types.ErrInvalidInput, "--intent is required")
	}
	input, err := parseInput(*inputArg)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *templates)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	res, runErr := a.execute(ctx, *intent, reqCtx, input)
	if res != nil {
		if err := render(out, *format, res); err != nil {
			return err
		}
	}
	return runErr
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (YAML)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting workstream",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if cfg.Templates.Watch {
		watcher := workstream.NewTemplateWatcher(cfg.Templates.Path, a.planner,
			workstream.WithPollInterval(cfg.Templates.PollInterval),
			workstream.WithWatcherLogger(logger),
		)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start template watcher: %w", err)
		}
		defer watcher.Stop()
	}

	mgr := server.NewManager(newHandler(ctx, a), server.ConfigFrom(cfg.Server), logger)
	if err := mgr.Start(); err != nil {
		return err
	}
	return mgr.Run(ctx)
}

func runHistory(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (YAML)")
	intent := fs.String("intent", "", "Only list runs of this intent")
	runID := fs.String("run-id", "", "Show a single run with its snapshots")
	limit := fs.Int("limit", 20, "Maximum number of runs to list")
	format := fs.String("format", "table", "Output format: table, json or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "" {
		return errors.New("run archive is not configured (database.driver is empty)")
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	a := &app{cfg: cfg, logger: logger}
	a.registry, a.collector = newMetrics(logger)
	defer a.close(context.WithoutCancel(ctx))
	if err := a.openArchive(ctx); err != nil {
		return err
	}

	if *runID != "" {
		rec, err := a.archive.GetRun(ctx, *runID)
		if err != nil {
			return err
		}
		if *format == "table" {
			*format = "json"
		}
		return render(out, *format, rec)
	}

	runs, err := a.archive.ListRuns(ctx, *intent, *limit)
	if err != nil {
		return err
	}
	if *format != "table" {
		return render(out, *format, runs)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tINTENT\tVERSION\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Intent, r.Version, r.Status, r.StartedAt.Format(time.RFC3339), r.Duration())
	}
	return tw.Flush()
}

// loadConfig 加载并校验配置，templates 非空时覆盖模板路径
func loadConfig(path, templates string) (*config.Config, error) {
	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	if err != nil {
		return nil, err
	}
	if templates != "" {
		cfg.Templates.Path = templates
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseInput 解析 --input：内联 JSON，或以 @ 开头的 JSON/YAML 文件路径
func parseInput(arg string) (map[string]any, error) {
	if arg == "" {
		return map[string]any{}, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		data = b
	}
	// YAML 是 JSON 的超集
	var input map[string]any
	if err := yaml.Unmarshal(data, &input); err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "input must be a JSON or YAML object").WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

// render 以 JSON 或 YAML 输出。YAML 经 JSON 中转以沿用 json 标签。
func render(out io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "json", "":
		_, err = fmt.Fprintln(out, string(data))
		return err
	case "yaml":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
