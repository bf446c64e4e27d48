// Package debug provides the hub's structured diagnostic logger.
//
// When enabled via --debug (or AGENTHUB_DEBUG=1), lines are written through a
// zap console encoder to a single file under ~/.agenthub/debug/. Every line
// carries the component name, the caller, and whatever key/value context the
// call site passes (agent, session, project, slug, pid).
//
// When disabled (the default), all logging functions are no-ops.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agusx1211/agenthub/internal/hexid"
)

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

const (
	// EnvEnabled toggles debug logger initialization.
	EnvEnabled = "AGENTHUB_DEBUG"
	// EnvLogPath forces logs to be written to an existing aggregate debug file.
	EnvLogPath = "AGENTHUB_DEBUG_LOG_PATH"
	// EnvProcess labels the current process in every emitted log line.
	EnvProcess = "AGENTHUB_DEBUG_PROCESS"
)

// Logger wraps the zap logger and the file it writes to.
type Logger struct {
	sugar     *zap.SugaredLogger
	file      *os.File
	path      string
	startedAt time.Time
}

// Init initializes the global debug logger and returns the log file path.
// Calling Init twice returns the path of the already active logger.
func Init() (string, error) {
	loggerMu.RLock()
	if logger != nil {
		p := logger.path
		loggerMu.RUnlock()
		return p, nil
	}
	loggerMu.RUnlock()

	path, err := resolveLogPath()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	l := &Logger{
		sugar:     newZap(f).Sugar(),
		file:      f,
		path:      path,
		startedAt: time.Now(),
	}

	loggerMu.Lock()
	if logger != nil {
		p := logger.path
		loggerMu.Unlock()
		_ = f.Close()
		return p, nil
	}
	logger = l
	loggerMu.Unlock()

	l.sugar.Infow("debug log opened", "component", "debug", "file", path)
	return path, nil
}

func newZap(f *os.File) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000")
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.Fields(zap.Int("pid", os.Getpid()), zap.String("process", processLabel())),
	)
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()

	if l == nil {
		return
	}
	l.sugar.Infow("debug log closed", "component", "debug", "duration", time.Since(l.startedAt))
	_ = l.sugar.Sync()
	_ = l.file.Close()
}

// Enabled returns true if the debug logger is active.
func Enabled() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger != nil
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return ""
	}
	return logger.path
}

// ShouldEnableFromEnv reports whether the environment asks for debug logging.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled))) {
	case "":
		return path != ""
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv overlays the debug variables on baseEnv so spawned agent
// processes can append to the same file. baseEnv is returned unchanged when
// debug logging is off.
func PropagatedEnv(baseEnv []string, process string) []string {
	logPath := Path()
	if logPath == "" {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = setEnv(env, EnvEnabled, "1")
	env = setEnv(env, EnvLogPath, logPath)
	if strings.TrimSpace(process) != "" {
		env = setEnv(env, EnvProcess, process)
	}
	return env
}

func current() *zap.SugaredLogger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return nil
	}
	return logger.sugar
}

// Log writes a debug line. No-op when debug is disabled.
func Log(component, msg string) {
	if s := current(); s != nil {
		s.Debugw(msg, "component", component)
	}
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	if s := current(); s != nil {
		s.Debugw(fmt.Sprintf(format, args...), "component", component)
	}
}

// LogKV writes a debug line with key-value context pairs.
// Usage: debug.LogKV("subagent", "spawned", "project", "p1", "slug", "work")
func LogKV(component, msg string, kvs ...any) {
	s := current()
	if s == nil {
		return
	}
	fields := make([]any, 0, len(kvs)+2)
	fields = append(fields, "component", component)
	fields = append(fields, kvs...)
	s.Debugw(msg, fields...)
}

func resolveLogPath() (string, error) {
	if inherited := strings.TrimSpace(os.Getenv(EnvLogPath)); inherited != "" {
		dir := filepath.Dir(inherited)
		if dir != "." && dir != string(filepath.Separator) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
			}
		}
		return inherited, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".agenthub", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), hexid.New())
	return filepath.Join(dir, name), nil
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for _, arg := range os.Args[1:] {
		arg = strings.TrimSpace(arg)
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return base + ":" + arg
	}
	return base
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
