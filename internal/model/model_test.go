package model

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name      string
		route     Route
		wantStr   string
		wantPfx   string
		isDefault bool
	}{
		{"default route", Route{netip.MustParseAddr("0.0.0.0"), 0}, "0.0.0.0/0", "0.0.0.0/0", true},
		{"host bits are masked", Route{netip.MustParseAddr("192.168.1.7"), 24}, "192.168.1.7/24", "192.168.1.0/24", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.route.String(); got != tt.wantStr {
				t.Errorf("String() = %v, want %v", got, tt.wantStr)
			}
			if got := tt.route.Prefix().String(); got != tt.wantPfx {
				t.Errorf("Prefix() = %v, want %v", got, tt.wantPfx)
			}
			if got := tt.route.IsDefault(); got != tt.isDefault {
				t.Errorf("IsDefault() = %v, want %v", got, tt.isDefault)
			}
		})
	}
}

func TestNetworkConfig(t *testing.T) {
	nc := &NetworkConfig{
		ClientIP:     netip.MustParseAddr("10.0.0.2"),
		ServerIP:     netip.MustParseAddr("10.0.0.1"),
		PrefixLength: 24,
	}
	if nc.HasRoutes() {
		t.Fatal("expected no routes")
	}
	if got := nc.Network().String(); got != "10.0.0.0/24" {
		t.Errorf("Network() = %s", got)
	}
	fallback := Route{netip.MustParseAddr("0.0.0.0"), 0}
	withDefault := nc.WithDefaultRoute(fallback)
	if diff := cmp.Diff([]Route{fallback}, withDefault.Routes, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Error(diff)
	}
	if nc.HasRoutes() {
		t.Error("the original config must not be modified")
	}
	if got := withDefault.String(); got != "ip=10.0.0.2/24 gw=10.0.0.1 routes=[0.0.0.0/0]" {
		t.Errorf("String() = %s", got)
	}

	pushed := &NetworkConfig{Routes: []Route{{netip.MustParseAddr("172.16.0.0"), 12}}}
	if got := pushed.WithDefaultRoute(fallback).Routes; len(got) != 1 || got[0].PrefixLength != 12 {
		t.Errorf("pushed routes must win over the fallback, got %v", got)
	}
}

func TestStatus(t *testing.T) {
	if got := (Status{}).String(); got != "Stopped" {
		t.Errorf("clean stop should read Stopped, got %s", got)
	}
	st := Status{Err: errors.New("boom")}
	if got := st.String(); got != "boom" {
		t.Errorf("got %s", got)
	}
}

func TestSessionState(t *testing.T) {
	tests := map[SessionState]string{
		S_IDLE:             "S_IDLE",
		S_HANDSHAKING:      "S_HANDSHAKING",
		S_ESTABLISHING:     "S_ESTABLISHING",
		S_ACTIVE:           "S_ACTIVE",
		S_STOPPING:         "S_STOPPING",
		SessionState(1234): "S_INVALID",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("%d: got %s, want %s", st, got, want)
		}
	}
}
