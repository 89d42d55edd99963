package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "postbot/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.2:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
	if err := checkBind("0.0.0.0:6060", Config{}); err == nil {
		t.Fatal("public bind without token must be refused")
	}
	if err := checkBind("0.0.0.0:6060", Config{Token: "x"}); err != nil {
		t.Fatalf("public bind with token: %v", err)
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"": "/debug/pprof/", "pp": "/pp/", "/x/": "/x/"} {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandlerAuthAndHealth(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("m 1\n")) })
	s := New(Config{Token: "secret"}, metrics, func() (bool, map[string]any) {
		return false, map[string]any{"pending": 3}
	}, logx.Nop())
	h := s.handler(s.cfg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: code %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["ok"] != false || body["pending"] != float64(3) {
		t.Fatalf("health body = %v, %v", body, err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics?token=secret", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "m 1\n" {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}
}

func TestServerStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)

	addr, err := s.ListenAddr(ctx)
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("server still answering after disable")
	}
}
