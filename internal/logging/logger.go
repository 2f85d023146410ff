// Package logging provides config-driven categorized file-based logging for reposcope.
// Logs are written to .reposcope/logs/ with separate files per category.
// Logging is controlled by debug_mode in the workspace config - when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryExtract   Category = "extract"   // AST extraction (symbols, routes, migrations)
	CategoryAnalyze   Category = "analyze"   // High-precision analyzers
	CategoryIndex     Category = "index"     // Index store operations
	CategoryVector    Category = "vector"    // Embedding store operations
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategorySnippet   Category = "snippet"   // Snippet fetcher and cache
	CategoryRetrieve  Category = "retrieve"  // Hybrid retrieval
	CategoryAnswer    Category = "answer"    // Constrained answerer
	CategoryReview    Category = "review"    // PR review orchestration
	CategoryPipeline  Category = "pipeline"  // Indexing pipeline
	CategoryAPI       Category = "api"       // LLM API calls
	CategoryMetering  Category = "metering"  // Usage metering
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// StructuredLogEntry represents a JSON log entry.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	workspace string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".reposcope", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	// Only create logs directory if debug mode is enabled
	if !config.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== reposcope logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Logs directory: %s", logsDir)

	return nil
}

// loadConfig reads the logging config from .reposcope/config.json
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".reposcope", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging)
			config.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed file name keeps rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Extract logs to the extract category
func Extract(format string, args ...interface{}) {
	Get(CategoryExtract).Info(format, args...)
}

// ExtractDebug logs debug to the extract category
func ExtractDebug(format string, args ...interface{}) {
	Get(CategoryExtract).Debug(format, args...)
}

// Analyze logs to the analyze category
func Analyze(format string, args ...interface{}) {
	Get(CategoryAnalyze).Info(format, args...)
}

// AnalyzeDebug logs debug to the analyze category
func AnalyzeDebug(format string, args ...interface{}) {
	Get(CategoryAnalyze).Debug(format, args...)
}

// Index logs to the index category
func Index(format string, args ...interface{}) {
	Get(CategoryIndex).Info(format, args...)
}

// IndexDebug logs debug to the index category
func IndexDebug(format string, args ...interface{}) {
	Get(CategoryIndex).Debug(format, args...)
}

// Vector logs to the vector category
func Vector(format string, args ...interface{}) {
	Get(CategoryVector).Info(format, args...)
}

// VectorDebug logs debug to the vector category
func VectorDebug(format string, args ...interface{}) {
	Get(CategoryVector).Debug(format, args...)
}

// Embedding logs to the embedding category
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Snippet logs to the snippet category
func Snippet(format string, args ...interface{}) {
	Get(CategorySnippet).Info(format, args...)
}

// SnippetDebug logs debug to the snippet category
func SnippetDebug(format string, args ...interface{}) {
	Get(CategorySnippet).Debug(format, args...)
}

// Retrieve logs to the retrieve category
func Retrieve(format string, args ...interface{}) {
	Get(CategoryRetrieve).Info(format, args...)
}

// RetrieveDebug logs debug to the retrieve category
func RetrieveDebug(format string, args ...interface{}) {
	Get(CategoryRetrieve).Debug(format, args...)
}

// Answer logs to the answer category
func Answer(format string, args ...interface{}) {
	Get(CategoryAnswer).Info(format, args...)
}

// AnswerDebug logs debug to the answer category
func AnswerDebug(format string, args ...interface{}) {
	Get(CategoryAnswer).Debug(format, args...)
}

// Review logs to the review category
func Review(format string, args ...interface{}) {
	Get(CategoryReview).Info(format, args...)
}

// ReviewDebug logs debug to the review category
func ReviewDebug(format string, args ...interface{}) {
	Get(CategoryReview).Debug(format, args...)
}

// Pipeline logs to the pipeline category
func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Info(format, args...)
}

// PipelineDebug logs debug to the pipeline category
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debug(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// Metering logs to the metering category
func Metering(format string, args ...interface{}) {
	Get(CategoryMetering).Info(format, args...)
}

// MeteringDebug logs debug to the metering category
func MeteringDebug(format string, args ...interface{}) {
	Get(CategoryMetering).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
