package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-pipeline/internal/config"
	"github.com/zombor/invoice-pipeline/internal/export"
	"github.com/zombor/invoice-pipeline/internal/extraction"
	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/pipeline"
	"github.com/zombor/invoice-pipeline/internal/scanning"
	"github.com/zombor/invoice-pipeline/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type scannerOptions struct {
	kind        string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string
	ocrURL      string
	ocrKey      string
	ocrModel    string
	rps         float64
	burst       int
}

// newScanner builds the OCR backend, wrapped so digital PDFs skip OCR and
// remote calls are rate limited
func newScanner(o scannerOptions) (scanning.Scanner, error) {
	var (
		backend scanning.Scanner
		err     error
	)
	switch o.kind {
	case "gemini":
		apiKey := o.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", o.geminiModel)
		backend, err = scanning.NewGemini(apiKey, o.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", o.ollamaURL, "model", o.ollamaModel)
		backend, err = scanning.NewOllama(o.ollamaURL, o.ollamaModel)
	case "ocrapi":
		slog.Info("Initializing OCR API scanner...", "url", o.ocrURL, "model", o.ocrModel)
		backend, err = scanning.NewOCRAPI(o.ocrURL, o.ocrKey, o.ocrModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q, use gemini, ollama or ocrapi", o.kind)
	}
	if err != nil {
		return nil, err
	}
	if o.rps > 0 {
		backend = scanning.NewRateLimited(backend, o.rps, o.burst)
	}
	return scanning.NewPDFText(backend), nil
}

func contentTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".txt":
		return "text/plain"
	}
	return ""
}

func readDocuments(paths []string) ([]pipeline.Document, error) {
	docs := make([]pipeline.Document, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		docs = append(docs, pipeline.Document{
			Filename:    filepath.Base(path),
			ContentType: contentTypeForPath(path),
			Data:        data,
		})
	}
	return docs, nil
}

func readTexts(paths []string) ([]invoice.RawDocument, error) {
	docs := make([]invoice.RawDocument, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		docs = append(docs, invoice.RawDocument{
			SourceID: filepath.Base(path),
			Text:     string(data),
			Method:   pipeline.MethodPlainText,
		})
	}
	return docs, nil
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-pipeline")
	var (
		serve       = fs.BoolLong("serve", "Start the HTTP API instead of processing files")
		retry       = fs.BoolLong("retry", "Export records left pending by failed exports and exit")
		textInput   = fs.BoolLong("text", "Treat input files as already recognized text")
		format      = fs.StringLong("format", "csv", "Export format: csv, xlsx or sheets")
		outDir      = fs.StringLong("out", "./exports", "Output directory for csv and xlsx exports")
		dbPath      = fs.StringLong("db", "invoice-pipeline.db", "Ledger database file path")
		rulesPath   = fs.StringLong("rules", "", "Rules file (YAML) with schema table and rule severities")
		scannerType = fs.StringLong("scanner", "gemini", "Scanner type: gemini, ollama or ocrapi")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name")
		ocrURL      = fs.StringLong("ocr-url", "https://api.aimlapi.com", "OCR API base URL")
		ocrKey      = fs.StringLong("ocr-key", "", "OCR API key")
		ocrModel    = fs.StringLong("ocr-model", "mistral/mistral-ocr-latest", "OCR API model name")
		ocrRPS      = fs.Float64Long("ocr-rps", 2, "Maximum OCR requests per second (0 disables limiting)")
		ocrBurst    = fs.IntLong("ocr-burst", 2, "OCR request burst size")
		workers     = fs.IntLong("workers", 4, "Documents recognized concurrently")
		ocrTimeout  = fs.DurationLong("ocr-timeout", 2*time.Minute, "Timeout for each OCR call")
		sheetsCreds = fs.StringLong("sheets-credentials", "", "Google service account credentials file")
		sheetsID    = fs.StringLong("sheets-id", "", "Google spreadsheet id")
		sheetsName  = fs.StringLong("sheets-name", "Invoices", "Sheet (tab) name to append to")
		sheetsItems = fs.StringLong("sheets-items", "Line Items", "Sheet (tab) name for line items")
		port        = fs.IntLong("port", 8080, "HTTP server port")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logFormat   = fs.StringLong("log-format", "text", "Log format: text or json")
		jsonReport  = fs.BoolLong("json", "Print the run report as JSON instead of a table")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_PIPELINE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}

	files := fs.GetArgs()
	if !*serve && !*retry && len(files) == 0 {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintln(os.Stderr, "error: no input files")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rulesFile, err := config.LoadRules(*rulesPath)
	if err != nil {
		slog.Error("Failed to load rules", "error", err)
		os.Exit(1)
	}
	engine, err := rulesFile.Engine(time.Now)
	if err != nil {
		slog.Error("Failed to build rule engine", "error", err)
		os.Exit(1)
	}

	// Adapter construction errors are fatal
	exporter, err := export.New(ctx, export.Config{
		Format:    *format,
		OutputDir: *outDir,
		Locale:    rulesFile.Locale(),
		Sheets: export.SheetsConfig{
			CredentialsFile: *sheetsCreds,
			SpreadsheetID:   *sheetsID,
			SheetName:       *sheetsName,
			LineItemsSheet:  *sheetsItems,
		},
	})
	if err != nil {
		slog.Error("Failed to initialize exporter", "format", *format, "error", err)
		os.Exit(1)
	}

	// Initialize ledger
	slog.Info("Initializing ledger...", "path", *dbPath)
	ledger, err := pipeline.NewBoltLedger(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	stages := pipeline.Stages{
		Extractor: extraction.New(),
		Validator: rulesFile.Validator(),
		Rules:     engine,
		Exporter:  exporter,
	}

	// Text input and retries never call OCR
	if !*textInput && !*retry {
		scanner, err := newScanner(scannerOptions{
			kind:        *scannerType,
			geminiKey:   *geminiKey,
			geminiModel: *geminiModel,
			ollamaURL:   *ollamaURL,
			ollamaModel: *ollamaModel,
			ocrURL:      *ocrURL,
			ocrKey:      *ocrKey,
			ocrModel:    *ocrModel,
			rps:         *ocrRPS,
			burst:       *ocrBurst,
		})
		if err != nil {
			slog.Error("Failed to initialize scanner", "error", err)
			os.Exit(1)
		}
		defer scanner.Close()
		stages.Recognizer = scanner
	}

	coordinator := pipeline.NewCoordinator(stages, ledger,
		pipeline.WithWorkers(*workers),
		pipeline.WithOCRTimeout(*ocrTimeout),
	)

	switch {
	case *serve:
		basicAuth := server.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		}
		srv := server.NewServer(coordinator, basicAuth)

		addr := fmt.Sprintf(":%d", *port)
		go func() {
			if err := srv.Start(addr); err != nil {
				slog.Error("Server error", "error", err)
				os.Exit(1)
			}
		}()

		slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
		if *authUser != "" || *authPass != "" {
			slog.Info("Basic auth enabled", "user", *authUser)
		}

		<-ctx.Done()
		slog.Info("Shutting down...")

	case *retry:
		summary, err := coordinator.RetryPending(ctx)
		if err != nil {
			slog.Error("Retry failed", "error", err)
			os.Exit(1)
		}
		printReport(&pipeline.RunReport{Export: summary}, *jsonReport, true)

	default:
		var report *pipeline.RunReport
		if *textInput {
			var docs []invoice.RawDocument
			docs, err = readTexts(files)
			if err == nil {
				report, err = coordinator.RunText(ctx, docs)
			}
		} else {
			var docs []pipeline.Document
			docs, err = readDocuments(files)
			if err == nil {
				report, err = coordinator.Run(ctx, docs)
			}
		}
		if err != nil {
			slog.Error("Run failed", "error", err)
			os.Exit(1)
		}
		printReport(report, *jsonReport, false)
	}
}

func printReport(report *pipeline.RunReport, asJSON bool, exportOnly bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		var v any = report
		if exportOnly {
			v = report.Export
		}
		if err := enc.Encode(v); err != nil {
			slog.Error("Failed to write report", "error", err)
		}
		return
	}
	if exportOnly {
		fmt.Printf("export: %s, %d rows", report.Export.Status, report.Export.Rows)
		if report.Export.Error != "" {
			fmt.Printf(", error: %s", report.Export.Error)
		}
		fmt.Println()
		return
	}
	if err := report.WriteTable(os.Stdout); err != nil {
		slog.Error("Failed to write report", "error", err)
	}
}
