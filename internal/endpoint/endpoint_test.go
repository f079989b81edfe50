package endpoint

import (
	"strings"
	"testing"
)

func TestResolveUnixScheme(t *testing.T) {
	ep, err := Resolve("unix:///tmp/hub.sock")
	if err != nil {
		t.Fatalf("resolve unix endpoint: %v", err)
	}
	if ep.Scheme != "unix" {
		t.Fatalf("expected unix scheme, got %q", ep.Scheme)
	}
	if ep.Address != "/tmp/hub.sock" {
		t.Fatalf("expected socket path /tmp/hub.sock, got %q", ep.Address)
	}
	if ep.BaseURL != "http://unix" {
		t.Fatalf("expected base url http://unix, got %q", ep.BaseURL)
	}
}

func TestResolveBarePathIsUnix(t *testing.T) {
	ep, err := Resolve("/run/kernelhub/kernelhub.sock")
	if err != nil {
		t.Fatalf("resolve bare path: %v", err)
	}
	if ep.Scheme != "unix" || ep.Address != "/run/kernelhub/kernelhub.sock" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
}

func TestResolveHTTPSchemes(t *testing.T) {
	ep, err := Resolve("http://127.0.0.1:8787")
	if err != nil {
		t.Fatalf("resolve http endpoint: %v", err)
	}
	if ep.Scheme != "http" || ep.BaseURL != "http://127.0.0.1:8787" {
		t.Fatalf("unexpected http endpoint: %+v", ep)
	}

	ep, err = Resolve("https://hub.example.com:8443")
	if err != nil {
		t.Fatalf("resolve https endpoint: %v", err)
	}
	if ep.Scheme != "https" {
		t.Fatalf("expected https scheme, got %q", ep.Scheme)
	}
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	_, err := Resolve("ftp://nope")
	if err == nil {
		t.Fatal("expected unsupported scheme error")
	}
	if !strings.Contains(err.Error(), "unsupported endpoint") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveEmptyUsesHostEnv(t *testing.T) {
	t.Setenv("KERNELHUB_HOST", "http://10.0.0.5:9000")

	ep, err := Resolve("")
	if err != nil {
		t.Fatalf("resolve from env: %v", err)
	}
	if ep.BaseURL != "http://10.0.0.5:9000" {
		t.Fatalf("expected env endpoint, got %+v", ep)
	}
}

func TestResolveListenDefaultsToRuntimeSocket(t *testing.T) {
	t.Setenv("KERNELHUB_HOST", "")
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	ep, err := ResolveListen("")
	if err != nil {
		t.Fatalf("resolve listen default: %v", err)
	}
	if ep.Scheme != "unix" {
		t.Fatalf("expected unix scheme, got %q", ep.Scheme)
	}
	if !strings.HasSuffix(ep.Address, "kernelhub.sock") {
		t.Fatalf("expected kernelhub.sock path, got %q", ep.Address)
	}
}
