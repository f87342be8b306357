package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestToJournalKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"component", "COMPONENT"},
		{"err.detail", "ERR_DETAIL"},
		{"n-of", "N_OF"},
		{"firmwareCursor2", "FIRMWARECURSOR2"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := toJournalKey(tt.in); got != tt.want {
			t.Errorf("toJournalKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInServiceCgroup(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"0::/system.slice/roberta-connector.service\n", true},
		{"0::/system.slice/roberta-connector.service/worker", true},
		{"0::/user.slice/user-1000.slice/session-2.scope", false},
		{"0::/", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := inServiceCgroup(tt.content); got != tt.want {
			t.Errorf("inServiceCgroup(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestTerminalHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(terminalHandler(&buf, LogConfig{}))

	logger.Debug("Hidden.")
	logger.Info("State changed.", "state", Connected)

	out := buf.String()
	if strings.Contains(out, "Hidden.") {
		t.Errorf("debug line written without debug enabled: %q", out)
	}
	if !strings.Contains(out, `msg="State changed."`) || !strings.Contains(out, "state=connected") {
		t.Errorf("text output = %q", out)
	}
}

func TestTerminalHandlerJSONDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(terminalHandler(&buf, LogConfig{Debug: true, JSON: true}))

	logger.Debug("Server replied.", "cmd", CmdRepeat)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if line["level"] != "DEBUG" || line["msg"] != "Server replied." || line["cmd"] != "repeat" {
		t.Errorf("line = %v", line)
	}
}

func TestNewLoggerWritesToTerminal(t *testing.T) {
	if isSystemdService() {
		t.Skip("running as a systemd service, output goes to the journal")
	}

	var buf bytes.Buffer
	newLogger(&buf, LogConfig{}).Info("Found idle brick.", "address", DefaultBrickAddress)

	if !strings.Contains(buf.String(), "address="+DefaultBrickAddress) {
		t.Errorf("output = %q", buf.String())
	}
}
