package logging

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

type LogCode string

const (
	SYSTEM LogCode = "SYSTEM"
	ACCESS LogCode = "ACCESS"

	// media handling
	INGEST    LogCode = "INGEST"
	THUMBNAIL LogCode = "THUMBNAIL"
	EXPORT    LogCode = "EXPORT"
	IMPORT    LogCode = "IMPORT"

	// classification workflow
	CLASSIFY LogCode = "CLASSIFY"
	APPROVE  LogCode = "APPROVE"
	SEQUENCE LogCode = "SEQUENCE"

	TASK LogCode = "TASK"
)

// VictoriaLogs has fixed field name for time (_time) and message(_msg). This function maps fields msg -> _msg and time -> _time.
func convertKeysToVictoriaLogs(keys []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{Key: "_time", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))}
	}
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "_msg", Value: a.Value}
	}
	return a
}

func GetVictoriaLogsOptions(addSource bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: convertKeysToVictoriaLogs,
		AddSource:   addSource,
	}
}

// InitLogging sends json logs to logFile and human readable logs to stderr.
func InitLogging(logFile *os.File, serviceType string, attrs ...slog.Attr) {
	var jsonHandler slog.Handler = slog.NewJSONHandler(logFile, GetVictoriaLogsOptions(true))

	jsonHandler = jsonHandler.WithAttrs(append([]slog.Attr{slog.String("service_type", serviceType)}, attrs...))
	textHandler := slog.NewTextHandler(os.Stderr, nil)

	logger := slog.New(slogmulti.Fanout(jsonHandler, textHandler))
	slog.SetDefault(logger)
}
