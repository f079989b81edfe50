package cli

import (
	"testing"

	"github.com/alecthomas/kong"
)

func newParserForTest(t *testing.T, c *CLI) *kong.Kong {
	t.Helper()

	parser, err := kong.New(
		c,
		kong.Name("kernelhub"),
		kong.Description("Jupyter kernel execution manager"),
	)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	return parser
}

func TestExecCommandAllowsOmittedCodeArg(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"exec", "--file", "script.py"}); err != nil {
		t.Fatalf("parse exec with --file returned error: %v", err)
	}
	if c.Exec.File != "script.py" {
		t.Fatalf("file flag not captured: %q", c.Exec.File)
	}
	if c.Exec.Code != "" {
		t.Fatalf("unexpected code arg: %q", c.Exec.Code)
	}
}

func TestExecCommandCapturesCodeArg(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"exec", "--session", "ks_1", "print(1)"}); err != nil {
		t.Fatalf("parse exec returned error: %v", err)
	}
	if c.Exec.Code != "print(1)" {
		t.Fatalf("code arg = %q", c.Exec.Code)
	}
	if c.Exec.Session != "ks_1" {
		t.Fatalf("session flag = %q", c.Exec.Session)
	}
}

func TestStatusCommandRequiresSessionArg(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"status"}); err == nil {
		t.Fatal("expected parse error for missing session argument")
	}
}

func TestResolveCodeRejectsBothSources(t *testing.T) {
	e := &ExecCommand{Code: "1+1", File: "script.py"}
	if _, err := e.resolveCode("/tmp"); err == nil {
		t.Fatal("expected error for code arg plus --file")
	}
}

func TestResolveCodeRequiresSomething(t *testing.T) {
	e := &ExecCommand{}
	if _, err := e.resolveCode("/tmp"); err == nil {
		t.Fatal("expected error for missing code")
	}
}
