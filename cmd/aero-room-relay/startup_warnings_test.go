package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	out := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = true
		}
	}
	return out
}

func safeConfig() config.Config {
	return config.Config{
		ListenAddr:              "127.0.0.1:8080",
		Mode:                    config.ModeProd,
		Bootstrap:               "redis://broker:6379/0",
		RoomRetention:           10 * time.Minute,
		SignalingWSIdleTimeout:  60 * time.Second,
		SignalingWSPingInterval: 20 * time.Second,
	}
}

func TestStartupWarnings_SafeConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, safeConfig())

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("warnings=%v, want none", codes)
	}
}

func TestStartupWarnings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   string
	}{
		{
			name:   "bootnode without bootstrap",
			mutate: func(c *config.Config) { c.Bootnode = true; c.Bootstrap = "" },
			code:   "bootnode_without_bootstrap",
		},
		{
			name:   "standalone on wildcard in prod",
			mutate: func(c *config.Config) { c.Bootstrap = ""; c.ListenAddr = "0.0.0.0:8080" },
			code:   "standalone_public_listener",
		},
		{
			name:   "ping interval not below idle timeout",
			mutate: func(c *config.Config) { c.SignalingWSPingInterval = c.SignalingWSIdleTimeout },
			code:   "ping_interval_exceeds_idle_timeout",
		},
		{
			name:   "retention disabled in prod",
			mutate: func(c *config.Config) { c.RoomRetention = 0 },
			code:   "room_retention_disabled_in_prod",
		},
		{
			name:   "wildcard origins",
			mutate: func(c *config.Config) { c.AllowedOrigins = []string{"*"} },
			code:   "allowed_origins_wildcard",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := safeConfig()
			tt.mutate(&cfg)

			logStartupWarnings(logger, cfg)

			codes := warningCodes(records())
			if !codes[tt.code] || len(codes) != 1 {
				t.Fatalf("warnings=%v, want only %q", codes, tt.code)
			}
		})
	}
}

func TestStartupWarnings_DevStandaloneOnWildcardIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := safeConfig()
	cfg.Mode = config.ModeDev
	cfg.Bootstrap = ""
	cfg.ListenAddr = ":8080"
	cfg.RoomRetention = 0

	logStartupWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("warnings=%v, want none", codes)
	}
}

func TestLoadIdentity(t *testing.T) {
	seed := strings.Repeat("ab", 32)
	a, err := loadIdentity(seed)
	if err != nil {
		t.Fatalf("loadIdentity: %v", err)
	}
	b, err := loadIdentity(seed)
	if err != nil {
		t.Fatalf("loadIdentity: %v", err)
	}
	if a.ID() != b.ID() {
		t.Fatalf("same seed gave ids %s and %s", a.ID(), b.ID())
	}

	if _, err := loadIdentity("zz"); err == nil {
		t.Fatalf("expected error for non-hex seed")
	}
	if _, err := loadIdentity("abcd"); err == nil {
		t.Fatalf("expected error for short seed")
	}

	fresh, err := loadIdentity("")
	if err != nil {
		t.Fatalf("loadIdentity(empty): %v", err)
	}
	if fresh.ID() == a.ID() {
		t.Fatalf("generated identity collided with seeded one")
	}
}
