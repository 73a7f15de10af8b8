package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vagifmammadli/finalexam/internal/grading"
	_ "github.com/vagifmammadli/finalexam/internal/llm/gemini"
	"github.com/vagifmammadli/finalexam/internal/session"
	"github.com/vagifmammadli/finalexam/internal/store"
)

// defaultSubjects exist on every fresh database, even before questions are imported.
var defaultSubjects = []string{"Riyazi Analiz", "Kompüter Arxitekturası", "Kompüter Mühəndisliyinin Əsasları"}

var defaultQuestionFiles = []string{
	"questions/riyazi_analiz.json",
	"questions/komputer_arxitekturasi.json",
}

func main() {
	// A missing .env is fine; flags, config file and environment still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "finalexam",
		Short: "Exam server with AI grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `finalexam --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":5000", "HTTP listen address")
	f.String("db", "finalexam.db", "SQLite database path or postgres:// DSN")
	f.String("upload-dir", "uploads", "Directory for uploaded answer images")
	f.Int("max-upload-mb", 16, "Maximum size of one uploaded image in MB")
	f.String("provider", "gemini", "Grading provider (gemini, openai)")
	f.String("llm-model", "", "Model name (provider default when empty)")
	f.String("llm-url", "", "API base URL for OpenAI-compatible providers")
	f.Duration("grade-timeout", grading.DefaultTimeout, "Timeout of one grading call")
	f.StringP("lang", "l", "az", "Default UI language (en, az)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /exam)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Admin password (or set FINALEXAM_ADMIN_PASSWORD); empty disables /admin")
	f.String("redis-url", "", "Redis URL for sessions (empty stores sessions in the database)")
	f.Duration("session-ttl", session.DefaultTTL, "Session lifetime")
	f.String("session-cleanup", session.DefaultCleanupSchedule, "Cron schedule for purging expired sessions")
	f.StringSliceP("questions", "q", defaultQuestionFiles, "Paths to questions JSON files (repeatable)")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (empty disables CORS)")
	addLogFlags(f)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create default subjects and import question files",
		RunE:  runSeed,
	}
	f := cmd.Flags()
	f.String("db", "finalexam.db", "SQLite database path or postgres:// DSN")
	f.StringSliceP("questions", "q", defaultQuestionFiles, "Paths to questions JSON files (repeatable)")
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finalized exam results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "finalexam.db", "SQLite database path or postgres:// DSN")
	f.String("subject", "", "Only export results of this subject")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

type flagSet interface {
	String(name, value, usage string) *string
}

func addLogFlags(f flagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

// newLogger builds a zap logger for the given level and format.
// Unknown levels fall back to info, unknown formats to text.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.ToLower(format) != "json" {
		cfg.Encoding = "console"
		cfg.Sampling = nil
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg.Build()
}

func setupLogging(cmd *cobra.Command) (*zap.Logger, error) {
	v := viperForCmd(cmd)
	logger, err := newLogger(v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("FINALEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("finalexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/finalexam")
	v.AddConfigPath("/etc/finalexam")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Warn("error reading config file", zap.Error(err))
		}
	} else {
		zap.L().Info("loaded config file", zap.String("path", v.ConfigFileUsed()))
	}

	return v
}

func runSeed(cmd *cobra.Command, _ []string) error {
	logger, err := setupLogging(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return seed(cmd.Context(), db, v.GetStringSlice("questions"), logger)
}

// seed creates the default subjects and imports the question files.
func seed(ctx context.Context, db *store.Store, paths []string, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, name := range defaultSubjects {
		if _, err := db.EnsureSubject(ctx, name); err != nil {
			return fmt.Errorf("ensure subject %q: %w", name, err)
		}
	}
	return loadQuestions(ctx, db, paths, logger)
}

// loadQuestions imports each file once. Files already imported are skipped,
// and so are files that changed since, to keep existing results consistent.
func loadQuestions(ctx context.Context, db *store.Store, paths []string, logger *zap.Logger) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("questions file not found, skipping", zap.String("path", path))
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		report, err := db.ImportQuestionFile(ctx, path, data)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		switch report.Status {
		case store.ImportUnchanged:
			logger.Info("questions file unchanged, skipping", zap.String("path", path))
		case store.ImportChanged:
			logger.Warn("questions file changed since last import, skipping to avoid breaking existing results",
				zap.String("path", path))
		default:
			logger.Info("imported questions", zap.String("path", path), zap.Int("count", report.Imported))
		}
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	logger, err := setupLogging(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

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

	n, err := exportResults(cmd.Context(), db, v.GetString("subject"), w)
	if err != nil {
		return err
	}
	logger.Info("exported results", zap.Int("count", n), zap.String("output", outPath))
	return nil
}

func exportResults(ctx context.Context, db *store.Store, subject string, w io.Writer) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	export, err := db.ExportResults(ctx, subject)
	if err != nil {
		return 0, fmt.Errorf("export results: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return len(export.Results), nil
}

// normalizeBasePath turns "exam/" into "/exam" and "/" into "".
func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// requestTimeout covers one exam submission: every question may need two
// oracle calls when the image attempt fails and the text-only retry runs.
func requestTimeout(gradeTimeout time.Duration, questions int) time.Duration {
	if gradeTimeout <= 0 {
		gradeTimeout = grading.DefaultTimeout
	}
	return time.Duration(2*questions)*gradeTimeout + 30*time.Second
}
