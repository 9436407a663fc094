package control

import (
	"path/filepath"
	"testing"
)

func TestServer_StartStopFetchStatus(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "test.sock")

	provider := func() Status {
		return Status{
			Realm:          "example.org",
			Bind:           "0.0.0.0:3478",
			External:       "203.0.113.5",
			UptimeSeconds:  42.5,
			Allocations:    3,
			PortsFree:      16380,
			ChannelsBound:  1,
			Permissions:    2,
			FabricEnabled:  true,
			FabricOnline:   4,
		}
	}

	srv := NewServer(socketPath, provider, nil)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	status, err := FetchStatus(socketPath)
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}

	if status.Realm != "example.org" {
		t.Errorf("Realm = %q, want %q", status.Realm, "example.org")
	}
	if status.Allocations != 3 {
		t.Errorf("Allocations = %d, want 3", status.Allocations)
	}
	if status.FabricOnline != 4 {
		t.Errorf("FabricOnline = %d, want 4", status.FabricOnline)
	}
	if !status.FabricEnabled {
		t.Error("FabricEnabled = false, want true")
	}
}

func TestFetchStatus_NoServer(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "nonexistent.sock")

	_, err := FetchStatus(socketPath)
	if err == nil {
		t.Fatal("expected error when server is not running, got nil")
	}
}
