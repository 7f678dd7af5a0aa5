package netwatch

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/config"
)

func stubDial(t *testing.T, fn func(ctx context.Context, network, addr string) (net.Conn, error)) {
	t.Helper()
	orig := dialContext
	dialContext = fn
	t.Cleanup(func() { dialContext = orig })
}

func fakeConn() net.Conn {
	client, server := net.Pipe()
	server.Close()
	return client
}

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		defaultPort string
		want        string
	}{
		{"bare host", "10.0.0.5", "8006", "10.0.0.5:8006"},
		{"host with port", "10.0.0.5:8007", "8006", "10.0.0.5:8007"},
		{"https url", "https://pve.lab:8006/", "8006", "pve.lab:8006"},
		{"https url no port", "https://backup.example.com", "443", "backup.example.com:443"},
		{"http url no port", "http://pve.lab", "8006", "pve.lab:80"},
		{"empty", "", "443", ""},
		{"whitespace", "   ", "443", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := probeAddr(tt.raw, tt.defaultPort); got != tt.want {
				t.Errorf("probeAddr(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestWatcherOfflineAfterThreshold(t *testing.T) {
	stubDial(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})

	var transitions []bool
	w := New(Config{
		Targets:          []string{"10.0.0.5:8006"},
		FailureThreshold: 2,
	}, func(online bool) { transitions = append(transitions, online) })

	if !w.Online() {
		t.Fatal("watcher should start online")
	}

	ctx := context.Background()
	w.observe(w.sweep(ctx))
	if !w.Online() {
		t.Fatal("one failed sweep must not flip offline")
	}
	if len(transitions) != 0 {
		t.Fatalf("no transition expected yet, got %v", transitions)
	}

	w.observe(w.sweep(ctx))
	if w.Online() {
		t.Fatal("second failed sweep should flip offline")
	}
	if len(transitions) != 1 || transitions[0] != false {
		t.Fatalf("expected one offline transition, got %v", transitions)
	}

	// Further failures stay offline without repeat notifications.
	w.observe(w.sweep(ctx))
	if len(transitions) != 1 {
		t.Fatalf("repeated failures must not re-notify, got %v", transitions)
	}
}

func TestWatcherRecoversOnFirstSuccess(t *testing.T) {
	reachable := false
	stubDial(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		if reachable {
			return fakeConn(), nil
		}
		return nil, errors.New("no route to host")
	})

	var transitions []bool
	w := New(Config{
		Targets:          []string{"10.0.0.5:8006"},
		FailureThreshold: 1,
	}, func(online bool) { transitions = append(transitions, online) })

	ctx := context.Background()
	w.observe(w.sweep(ctx))
	if w.Online() {
		t.Fatal("expected offline after failed sweep")
	}

	reachable = true
	w.observe(w.sweep(ctx))
	if !w.Online() {
		t.Fatal("one good sweep should restore online")
	}
	if len(transitions) != 2 || transitions[1] != true {
		t.Fatalf("expected offline then online, got %v", transitions)
	}
}

func TestWatcherAnyTargetKeepsOnline(t *testing.T) {
	stubDial(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addr == "10.0.0.6:443" {
			return fakeConn(), nil
		}
		return nil, errors.New("connection refused")
	})

	w := New(Config{
		Targets:          []string{"10.0.0.5:8006", "10.0.0.6:443"},
		FailureThreshold: 1,
	}, nil)

	w.observe(w.sweep(context.Background()))
	if !w.Online() {
		t.Fatal("one reachable target should keep the network online")
	}
}

func TestSweepDialsRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	w := New(Config{
		Targets: []string{ln.Addr().String()},
		Timeout: time.Second,
	}, nil)
	if !w.sweep(context.Background()) {
		t.Fatal("sweep should reach the local listener")
	}
}

func TestBuildDerivesTargets(t *testing.T) {
	cfg := &config.Config{
		Netwatch: config.NetwatchConfig{Enabled: true},
		PVE: []config.PVEInstance{
			{Host: "10.0.0.5"},
			{Host: "https://pve2.lab:8007/"},
			{Host: "10.0.0.5"}, // duplicate collapses
		},
		Acronis: []config.AcronisInstance{
			{Host: "backup.example.com"},
		},
	}

	w := Build(cfg, nil)
	want := []string{"10.0.0.5:8006", "pve2.lab:8007", "backup.example.com:443"}
	if len(w.cfg.Targets) != len(want) {
		t.Fatalf("targets = %v, want %v", w.cfg.Targets, want)
	}
	for i, target := range want {
		if w.cfg.Targets[i] != target {
			t.Errorf("target[%d] = %q, want %q", i, w.cfg.Targets[i], target)
		}
	}
}

func TestBuildExplicitTargetsWin(t *testing.T) {
	cfg := &config.Config{
		Netwatch: config.NetwatchConfig{
			Enabled: true,
			Targets: []string{"1.1.1.1:443"},
		},
		PVE: []config.PVEInstance{{Host: "10.0.0.5"}},
	}
	w := Build(cfg, nil)
	if len(w.cfg.Targets) != 1 || w.cfg.Targets[0] != "1.1.1.1:443" {
		t.Fatalf("targets = %v, want explicit list only", w.cfg.Targets)
	}
}

func TestBuildMockModeDisablesProbing(t *testing.T) {
	cfg := &config.Config{
		Netwatch: config.NetwatchConfig{Enabled: true},
		PVE:      []config.PVEInstance{{Host: "10.0.0.5"}},
		MockMode: true,
	}
	w := Build(cfg, nil)
	if len(w.cfg.Targets) != 0 {
		t.Fatalf("mock mode should disable probing, got targets %v", w.cfg.Targets)
	}
	if !w.Online() {
		t.Fatal("disabled watcher must report online")
	}
}
