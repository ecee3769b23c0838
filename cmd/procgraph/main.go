package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/procgraph/internal/definition"
	"github.com/rendis/procgraph/internal/expressions"
	"github.com/rendis/procgraph/internal/logging"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/internal/store"
	"github.com/rendis/procgraph/internal/validation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(loadConfig()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries the resolved configuration and the shared collaborators of
// every subcommand.
type app struct {
	cfg    Config
	logger *slog.Logger
	stderr io.Writer
}

func newRootCmd(cfg Config) *cobra.Command {
	a := &app{cfg: cfg, logger: slog.Default(), stderr: os.Stderr}

	root := &cobra.Command{
		Use:           "procgraph",
		Short:         "Build, check and run business process models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.stderr = &lockedWriter{w: cmd.ErrOrStderr()}
			a.logger = logging.New(a.stderr, a.cfg.LogLevel, a.cfg.LogFormat)
			slog.SetDefault(a.logger)
		},
	}

	// Flags are the last configuration layer; their defaults are the
	// already merged lower layers.
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfg.DBPath, "db", cfg.DBPath, "path of the libSQL database")
	pf.StringVar(&a.cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	pf.StringVar(&a.cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	pf.IntVar(&a.cfg.PoolSize, "pool-size", cfg.PoolSize, "concurrent completions per simulation round")
	pf.BoolVar(&a.cfg.Pedantic, "pedantic", cfg.Pedantic, "reject models with unreachable or dead-end nodes")
	pf.StringVar(&a.cfg.ConditionLang, "condition-lang", cfg.ConditionLang, "default condition language: cel, expr or jq")

	root.AddCommand(
		newValidateCmd(a),
		newCheckCmd(a),
		newSimulateCmd(a),
		newReplayCmd(a),
		newDiagramCmd(a),
		newListCmd(a),
		newDeleteCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) buildOptions() model.BuildOptions {
	return model.BuildOptions{Pedantic: a.cfg.Pedantic}
}

func (a *app) evaluator() (*expressions.Evaluator, error) {
	return expressions.NewEvaluator(a.cfg.ConditionLang)
}

// loader returns a definition loader whose conditions compile with ev.
func (a *app) loader(ev *expressions.Evaluator) (*definition.Loader, error) {
	v, err := validation.NewDefinitionValidator(ev)
	if err != nil {
		return nil, err
	}
	return definition.NewLoader(v, a.buildOptions(), a.logger), nil
}

// validateData checks data against the JSON Schema given inline or as @file.
func (a *app) validateData(ev *expressions.Evaluator, data map[string]any, arg string) error {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if raw, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("read data schema: %w", err)
		}
	}
	v, err := validation.NewDefinitionValidator(ev)
	if err != nil {
		return err
	}
	return v.ValidateData(data, raw)
}

// openStore opens and migrates the configured database.
func (a *app) openStore(ctx context.Context) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewLibSQLStore(a.cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	a.logger.Debug("store opened", "db_path", a.cfg.DBPath)
	return s, nil
}

// parseData reads instance data given inline as JSON or, prefixed with
// "@", from a JSON file.
func parseData(arg string) (map[string]any, error) {
	if arg == "" {
		return nil, nil
	}
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if raw, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read data file: %w", err)
		}
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse data: %w", err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// lockedWriter serializes writes of the logger and the event feed.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
