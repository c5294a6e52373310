package httpapi

import (
	"log"
	"net/http"
	"os"

	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("GPUSCHEDD_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logRequest emits an info-level event for a mutating endpoint. Extra
// key/value pairs are appended in order.
func logRequest(r *http.Request, msg string, kv ...string) {
	if requestLogLevel(r) < LevelInfo {
		return
	}
	if zlog != nil {
		ev := zlog.Info().Str("method", r.Method).Str("path", r.URL.Path)
		for i := 0; i+1 < len(kv); i += 2 {
			ev = ev.Str(kv[i], kv[i+1])
		}
		ev.Msg(msg)
		return
	}
	log.Printf("%s %s: %s", r.Method, r.URL.Path, msg)
}

func logError(msg string, err error) {
	if zlog != nil {
		zlog.Error().Err(err).Msg(msg)
		return
	}
	log.Printf("%s: %v", msg, err)
}
