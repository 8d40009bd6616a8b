package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/testroom/internal/grading"
	"github.com/pavelanni/testroom/internal/handler"
	appI18n "github.com/pavelanni/testroom/internal/i18n"
	"github.com/pavelanni/testroom/internal/llm"
	"github.com/pavelanni/testroom/internal/llm/prompts"
	"github.com/pavelanni/testroom/internal/metrics"
	"github.com/pavelanni/testroom/internal/model"
	"github.com/pavelanni/testroom/internal/monitor"
	"github.com/pavelanni/testroom/internal/progress"
	"github.com/pavelanni/testroom/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "testroom",
		Short: "Timed test sessions with LLM grading and live monitoring",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `testroom --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "testroom.db", "SQLite database path or PostgreSQL DSN")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP test server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("redis-addr", "", "Redis address for live progress (empty = use the database)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.Duration("grading-timeout", grading.DefaultTimeout, "Upper bound on one grading call")
	f.Duration("monitor-interval", monitor.DefaultInterval, "Polling period of the monitoring view")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (repeatable)")
	addStoreFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import test definitions from JSON or YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finished attempts as JSON",
		RunE:  runExport,
	}
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TESTROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("testroom")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/testroom")
	v.AddConfigPath("/etc/testroom")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	driver := store.Driver(strings.ToLower(v.GetString("db-driver")))
	db, err := store.Open(ctx, driver, v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		promptVariant,
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	// Attempts still complete with ungraded results while the endpoint is down.
	if err := llmClient.Ping(ctx); err != nil {
		slog.Warn("LLM health check failed, grading will fall back", "url", v.GetString("llm-url"), "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	m := metrics.New()
	pipeline := grading.New(llmClient,
		grading.WithTimeout(v.GetDuration("grading-timeout")),
		grading.WithLogger(slog.Default()),
		grading.WithMetrics(m),
	)

	opts := []handler.Option{
		handler.WithMetrics(m),
		handler.WithLogger(slog.Default()),
		handler.WithMonitorInterval(v.GetDuration("monitor-interval")),
	}
	if addr := v.GetString("redis-addr"); addr != "" {
		tracker := progress.NewRedis(addr, v.GetString("redis-password"), v.GetInt("redis-db"))
		defer tracker.Close()
		if err := tracker.Ping(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		slog.Info("live progress in redis", "addr", addr)
		opts = append(opts, handler.WithTracker(tracker))
	}

	h := handler.New(db, pipeline, opts...)
	// Runs before the deferred db.Close so in-flight grading can still write.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("grading-timeout")+5*time.Second)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			slog.Error("attempts still grading at shutdown", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           h.Router(v.GetStringSlice("cors-origins")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", srv.Addr,
			"db_driver", db.Driver(),
			"model", v.GetString("llm-model"),
			"prompt_variant", promptVariant,
			"lang", lang,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, path := range args {
		if err := importFile(ctx, db, path); err != nil {
			return err
		}
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.ExportAll(ctx)
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	export := model.ExamExport{
		ExportedAt: time.Now().UTC(),
		NumResults: len(results),
		Results:    results,
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return writeExport(w, export)
}

func writeExport(w io.Writer, export model.ExamExport) error {
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
