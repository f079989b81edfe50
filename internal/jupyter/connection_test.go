package jupyter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewConnectionInfo(t *testing.T) {
	ci, err := NewConnectionInfo("python3")
	if err != nil {
		t.Fatalf("new connection info: %v", err)
	}

	ports := map[int]bool{}
	for _, p := range []int{ci.ShellPort, ci.IOPubPort, ci.StdinPort, ci.ControlPort, ci.HeartbeatPort} {
		if p == 0 {
			t.Fatal("port not allocated")
		}
		if ports[p] {
			t.Fatalf("duplicate port %d", p)
		}
		ports[p] = true
	}
	if len(ci.Key) != 32 {
		t.Fatalf("key length = %d, want 32 hex chars", len(ci.Key))
	}
	if ci.SignatureScheme != "hmac-sha256" {
		t.Fatalf("signature scheme = %q", ci.SignatureScheme)
	}
	if ci.Transport != "tcp" || ci.IP != "127.0.0.1" {
		t.Fatalf("transport = %s://%s", ci.Transport, ci.IP)
	}
}

func TestConnectionInfoWriteFile(t *testing.T) {
	dir := t.TempDir()
	ci, err := NewConnectionInfo("python3")
	if err != nil {
		t.Fatalf("new connection info: %v", err)
	}

	path, err := ci.WriteFile(dir)
	if err != nil {
		t.Fatalf("write file: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("file written outside dir: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var back ConnectionInfo
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Key != ci.Key || back.ShellPort != ci.ShellPort {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, *ci)
	}
}

func TestChannelAddrs(t *testing.T) {
	ci := &ConnectionInfo{Transport: "tcp", IP: "127.0.0.1", ShellPort: 5001, IOPubPort: 5002}
	if got := ci.shellAddr(); got != "tcp://127.0.0.1:5001" {
		t.Fatalf("shell addr = %q", got)
	}
	if got := ci.iopubAddr(); got != "tcp://127.0.0.1:5002" {
		t.Fatalf("iopub addr = %q", got)
	}
}
