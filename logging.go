package main

import (
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// newLogger writes to w, or to the systemd journal when started as a unit.
func newLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	opts := handlerOptions(cfg)
	terminal := terminalHandler(w, cfg)

	if !isSystemdService() {
		return slog.New(terminal)
	}

	var handlers []slog.Handler

	journal, err := slogjournal.NewHandler(&slogjournal.Options{
		Level: opts.Level,
		ReplaceGroup: func(key string) string {
			return toJournalKey(key)
		},
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a.Key = toJournalKey(a.Key)
			return a
		},
	})
	switch {
	case err != nil:
		slog.New(terminal).Warn("Unable to open systemd journal.", "err", err)
		handlers = append(handlers, terminal)
	case cfg.JSON:
		// JSON on stdout stays on next to the journal.
		handlers = append(handlers, journal, terminal)
	default:
		handlers = append(handlers, journal)
	}

	return slog.New(slogmulti.Fanout(handlers...))
}

func handlerOptions(cfg LogConfig) *slog.HandlerOptions {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	if cfg.Debug {
		opts.Level = slog.LevelDebug
	}

	return opts
}

func terminalHandler(w io.Writer, cfg LogConfig) slog.Handler {
	if cfg.JSON {
		return slog.NewJSONHandler(w, handlerOptions(cfg))
	}
	return slog.NewTextHandler(w, handlerOptions(cfg))
}

func toJournalKey(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToUpper(s))
}

func isSystemdService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}

	return inServiceCgroup(string(content))
}

// inServiceCgroup reads a cgroup v2 line like "0::/system.slice/foo.service".
func inServiceCgroup(content string) bool {
	parts := strings.Split(strings.TrimSpace(content), ":")
	if len(parts) < 3 {
		return false
	}

	return strings.HasSuffix(path.Dir(parts[2]), ".service") || strings.HasSuffix(parts[2], ".service")
}
