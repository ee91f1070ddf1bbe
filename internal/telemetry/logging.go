package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel переводит LOG_LEVEL в slog.Level. Регистр не важен;
// неизвестное значение = INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger создаёт логгер поверх w. format "text" — человекочитаемый,
// всё остальное — JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetupLogger настраивает глобальный логгер из LOG_LEVEL и LOG_FORMAT.
//
// Daemon пишет JSON в stdout; CLI передаёт "text" через LOG_FORMAT
// и пишет в stderr, чтобы не смешивать логи с выводом команд.
func SetupLogger() *slog.Logger {
	return setup(os.Stdout)
}

// SetupCLILogger — SetupLogger для CLI: stderr, text по умолчанию.
func SetupCLILogger() *slog.Logger {
	if os.Getenv("LOG_FORMAT") == "" {
		os.Setenv("LOG_FORMAT", "text")
	}
	if os.Getenv("LOG_LEVEL") == "" {
		os.Setenv("LOG_LEVEL", "WARN")
	}
	return setup(os.Stderr)
}

func setup(w io.Writer) *slog.Logger {
	logger := NewLogger(w, ParseLevel(os.Getenv("LOG_LEVEL")), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
	return logger
}

// WithTaskID возвращает логгер с добавленными task_id и kind.
func WithTaskID(logger *slog.Logger, taskID, kind string) *slog.Logger {
	return logger.With("task_id", taskID, "kind", kind)
}

// WithTarget возвращает логгер с адресом опрашиваемого target'а.
func WithTarget(logger *slog.Logger, addr string) *slog.Logger {
	return logger.With("target", addr)
}
