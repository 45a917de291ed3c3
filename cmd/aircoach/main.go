// AIR Coach is a conversational backend for skydiving (AFF) students.
//
// It exposes a server-sent-events chat API backed by Gemini, a theory
// quiz tool, per-user conversation memory with durable persistence,
// and a versioned system prompt assembled from a markdown knowledge
// base. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	aircoach serve              Start the API server
//	aircoach init [dir]         Initialize a working directory with defaults
//	aircoach ask <question>     Ask a single question (for testing)
//	aircoach quiz <file.json>   Import quiz questions into the corpus
//	aircoach version            Print version and build information
//	aircoach -o json version    Output version information as JSON
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/maxvaega/serverless-AIR-coach/internal/agent"
	"github.com/maxvaega/serverless-AIR-coach/internal/api"
	"github.com/maxvaega/serverless-AIR-coach/internal/buildinfo"
	"github.com/maxvaega/serverless-AIR-coach/internal/config"
	"github.com/maxvaega/serverless-AIR-coach/internal/events"
	"github.com/maxvaega/serverless-AIR-coach/internal/history"
	"github.com/maxvaega/serverless-AIR-coach/internal/llm"
	"github.com/maxvaega/serverless-AIR-coach/internal/memory"
	"github.com/maxvaega/serverless-AIR-coach/internal/profile"
	"github.com/maxvaega/serverless-AIR-coach/internal/prompt"
	"github.com/maxvaega/serverless-AIR-coach/internal/quiz"
	"github.com/maxvaega/serverless-AIR-coach/internal/tools"
	"github.com/maxvaega/serverless-AIR-coach/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the aircoach command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: aircoach ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "quiz":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: aircoach quiz <file.json>")
		}
		return runQuizImport(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// aircoach is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "AIR Coach - AFF Instruction Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aircoach [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve             Start the API server")
	fmt.Fprintln(w, "  init [dir]        Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <question>    Ask a single question (for testing)")
	fmt.Fprintln(w, "  quiz <file.json>  Import quiz questions into the corpus")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./aircoach.yaml, ~/.config/aircoach/aircoach.yaml, /etc/aircoach/aircoach.yaml")
	return nil
}

// cliSink prints protocol events for one-shot CLI queries. Message text
// streams as-is; tool results print as indented JSON on their own line.
type cliSink struct {
	w io.Writer
}

func (s cliSink) Send(ev agent.Event) error {
	switch ev.Type {
	case agent.EventAgentMessage:
		if text, ok := ev.Data.(string); ok {
			fmt.Fprint(s.w, text)
		}
	case agent.EventToolResult:
		pretty, err := json.MarshalIndent(ev.Data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(s.w, "\n[%s]\n%s\n", ev.ToolName, pretty)
	case agent.EventError:
		fmt.Fprintf(s.w, "\nerror: %v\n", ev.Data)
	}
	return nil
}

// runAsk handles the "aircoach ask <question>" subcommand. It boots a
// minimal agent (in-memory conversation store, no durable persistence,
// no profile lookup) and streams a single answer to stdout. Useful for
// quick smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	llmClient := newGeminiClient(cfg, logger)
	prompts := prompt.NewManager(knowledgeSource(cfg), logger)

	registry := tools.NewRegistry()
	// The quiz tool only works if the corpus database exists; a one-shot
	// question should not create an empty one.
	quizPath := filepath.Join(cfg.DataDir, "quiz.db")
	if _, err := os.Stat(quizPath); err == nil {
		quizStore, err := quiz.NewStore(quizPath)
		if err != nil {
			return fmt.Errorf("open quiz corpus %s: %w", quizPath, err)
		}
		defer quizStore.Close()
		registry.Register(quiz.NewTool(quizStore, logger))
	}

	mem := memory.NewStore()
	orch := agent.New(agent.Config{
		LLM:          llmClient,
		Model:        cfg.Gemini.Model,
		Store:        mem,
		Seeder:       memory.NewSeeder(mem, nil, nil, cfg.Memory.HistoryLimit, logger),
		Prompts:      prompts,
		Registry:     registry,
		HistoryLimit: cfg.Memory.HistoryLimit,
		Logger:       logger,
	})

	if err := orch.Stream(ctx, "cli-test", question, cliSink{w: stdout}); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout)
	return nil
}

// runQuizImport handles the "aircoach quiz <file.json>" subcommand. It
// loads a JSON array of theory questions into the quiz corpus database,
// replacing any question that already exists at the same position.
func runQuizImport(ctx context.Context, stdout io.Writer, configPath string, filePath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read questions file: %w", err)
	}

	var questions []quiz.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return fmt.Errorf("parse %s: %w", filePath, err)
	}
	if len(questions) == 0 {
		return fmt.Errorf("%s contains no questions", filePath)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := quiz.NewStore(filepath.Join(cfg.DataDir, "quiz.db"))
	if err != nil {
		return fmt.Errorf("open quiz corpus: %w", err)
	}
	defer store.Close()

	for _, q := range questions {
		if err := store.Insert(ctx, q); err != nil {
			return fmt.Errorf("import question %d.%d: %w", q.Capitolo, q.Numero, err)
		}
	}

	total, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count corpus: %w", err)
	}

	logger.Info("quiz import complete", "imported", len(questions), "corpus_total", total)
	fmt.Fprintf(stdout, "Imported %d questions (%d total in corpus)\n", len(questions), total)
	return nil
}

// runServe handles the "aircoach serve" subcommand. It is the primary
// operating mode: loads config, opens databases, builds the agent with
// its tools and collaborators, starts the HTTP server, and blocks until
// a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests (streams included)
//  3. Database connections close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting AIR Coach", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Gemini.Model,
		"history_limit", cfg.Memory.HistoryLimit,
	)

	if cfg.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.api_key is required")
	}

	// --- Data directory ---
	// All persistent state (conversation log, quiz corpus, usage records)
	// lives in SQLite databases under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Conversation log ---
	// Durable per-user exchange history. Volatile thread memory is
	// rebuilt from this log after a restart.
	histPath := filepath.Join(cfg.DataDir, "history.db")
	histStore, err := history.NewStore(histPath)
	if err != nil {
		return fmt.Errorf("open conversation log %s: %w", histPath, err)
	}
	defer histStore.Close()
	logger.Info("conversation log opened", "path", histPath)

	// --- Quiz corpus ---
	quizPath := filepath.Join(cfg.DataDir, "quiz.db")
	quizStore, err := quiz.NewStore(quizPath)
	if err != nil {
		return fmt.Errorf("open quiz corpus %s: %w", quizPath, err)
	}
	defer quizStore.Close()
	if n, err := quizStore.Count(ctx); err == nil {
		if n == 0 {
			logger.Warn("quiz corpus is empty - run 'aircoach quiz <file.json>' to import questions")
		} else {
			logger.Info("quiz corpus opened", "path", quizPath, "questions", n)
		}
	}

	// --- Usage metrics ---
	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	usageStore, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer usageStore.Close()

	// --- User profiles ---
	// Optional. Without Auth0 credentials the agent answers without
	// personal context and everything else keeps working.
	var profileSource memory.ProfileSource
	if cfg.Auth0.Domain != "" && cfg.Auth0.Token != "" {
		client := profile.NewClient(cfg.Auth0.Domain, cfg.Auth0.Token)
		profileSource = profile.NewCache(client, logger)
		logger.Debug("Auth0 profiles enabled", "domain", cfg.Auth0.Domain)
	} else {
		logger.Warn("Auth0 not configured - user profiles disabled")
	}

	// --- Volatile memory + seeder ---
	mem := memory.NewStore()
	seeder := memory.NewSeeder(mem, histStore, profileSource, cfg.Memory.HistoryLimit, logger)

	// --- System prompt ---
	prompts := prompt.NewManager(knowledgeSource(cfg), logger)

	// --- LLM engine ---
	llmClient := newGeminiClient(cfg, logger)

	// --- Tools ---
	registry := tools.NewRegistry()
	registry.Register(quiz.NewTool(quizStore, logger))

	// --- Event bus + usage recorder ---
	// The recorder drains agent lifecycle events into the usage store.
	// Publishing never blocks the request path.
	bus := events.New()
	recorder := usage.NewRecorder(usageStore, bus, logger)

	serveCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go recorder.Run(serveCtx)

	// --- Agent ---
	orch := agent.New(agent.Config{
		LLM:          llmClient,
		Model:        cfg.Gemini.Model,
		Store:        mem,
		Seeder:       seeder,
		Prompts:      prompts,
		Registry:     registry,
		Persister:    history.NewPersister(histStore, logger),
		Bus:          bus,
		HistoryLimit: cfg.Memory.HistoryLimit,
		Logger:       logger,
	})

	// --- HTTP server ---
	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, orch, prompts, usageStore, mem, cfg.APIToken, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-serveCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown incomplete", "error", err)
	}

	logger.Info("AIR Coach stopped")
	return nil
}

// newGeminiClient builds the engine client from config, applying only
// the overrides the operator actually set.
func newGeminiClient(cfg *config.Config, logger *slog.Logger) *llm.GeminiClient {
	var opts []llm.GeminiOption
	if cfg.Gemini.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.Gemini.BaseURL))
	}
	if cfg.Gemini.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(cfg.Gemini.MaxTokens))
	}
	if cfg.Gemini.Temp > 0 {
		opts = append(opts, llm.WithTemperature(cfg.Gemini.Temp))
	}
	return llm.NewGeminiClient(cfg.Gemini.APIKey, logger, opts...)
}

// knowledgeSource picks the document source for the system prompt. An
// HTTP source wins over a local directory; nil means base prompt only.
func knowledgeSource(cfg *config.Config) prompt.DocSource {
	if cfg.Knowledge.URL != "" {
		return prompt.HTTPSource{URL: cfg.Knowledge.URL}
	}
	if cfg.Knowledge.Docs != "" {
		return prompt.DirSource{Dir: cfg.Knowledge.Docs}
	}
	return nil
}

// newLogger constructs a structured logger writing to w. Trace-level
// records get their custom level name via config.ReplaceLogLevelNames.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
