package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	main "github.com/benbjohnson/bounds/cmd/bounds"
)

// Main is a test wrapper for main.Main that captures output.
type Main struct {
	*main.Main
	Stdout bytes.Buffer
	Stderr bytes.Buffer
}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	m := &Main{Main: main.NewMain()}
	m.Main.Stdout = &m.Stdout
	m.Main.Stderr = &m.Stderr
	return m
}

func TestMain_Run(t *testing.T) {
	t.Run("Help", func(t *testing.T) {
		m := NewMain()
		if err := m.Run(context.Background(), nil); err != flag.ErrHelp {
			t.Fatalf("unexpected error: %v", err)
		} else if !strings.Contains(m.Stderr.String(), "bounds <command> [arguments]") {
			t.Fatalf("unexpected usage: %s", m.Stderr.String())
		}
	})

	// A path without a command is checked.
	t.Run("DefaultCheck", func(t *testing.T) {
		m := NewMain()
		if err := m.Run(context.Background(), []string{"../../testdata/mask.ll"}); err != nil {
			t.Fatal(err)
		} else if !strings.HasPrefix(m.Stdout.String(), "@mask3: GEP %p is safe.\n") {
			t.Fatalf("unexpected output: %s", m.Stdout.String())
		}
	})

	t.Run("DefaultCheckFlags", func(t *testing.T) {
		m := NewMain()
		if err := m.Run(context.Background(), []string{"-format", "json", "../../testdata/mask.ll"}); err != nil {
			t.Fatal(err)
		} else if !strings.HasPrefix(m.Stdout.String(), "[") {
			t.Fatalf("unexpected output: %s", m.Stdout.String())
		}
	})
}

func TestCheckCommand_Run(t *testing.T) {
	t.Run("Text", func(t *testing.T) {
		m := NewMain()
		if err := m.Run(context.Background(), []string{"check", "../../testdata/mask.ll"}); err != nil {
			t.Fatal(err)
		}

		lines := strings.Split(m.Stdout.String(), "\n")
		if lines[0] != "@mask3: GEP %p is safe." {
			t.Fatalf("unexpected line: %q", lines[0])
		} else if lines[1] != "@mask7: GEP %p is potentially out of bound." {
			t.Fatalf("unexpected line: %q", lines[1])
		} else if !strings.HasPrefix(lines[2], "  %x = ") {
			t.Fatalf("unexpected line: %q", lines[2])
		} else if lines[4] != "@constant: GEP %p is potentially out of bound." {
			t.Fatalf("unexpected line: %q", lines[4])
		} else if lines[5] != "  index = 4 (len 4)" {
			t.Fatalf("unexpected line: %q", lines[5])
		}
	})

	t.Run("JSON", func(t *testing.T) {
		m := NewMain()
		if err := m.Run(context.Background(), []string{"check", "-format", "json", "../../testdata/branch.ll"}); err != nil {
			t.Fatal(err)
		}

		var results []struct {
			Func    string `json:"func"`
			Verdict string `json:"verdict"`
		}
		if err := json.Unmarshal(m.Stdout.Bytes(), &results); err != nil {
			t.Fatal(err)
		} else if len(results) != 4 {
			t.Fatalf("unexpected result count: %d", len(results))
		} else if results[2].Func != "unguarded" || results[2].Verdict != "unsafe" {
			t.Fatalf("unexpected result: %+v", results[2])
		}
	})

	t.Run("Dump", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dump.smt2")
		if err := NewMain().Run(context.Background(), []string{"check", "-dump", path, "../../testdata/mask.ll"}); err != nil {
			t.Fatal(err)
		}

		buf, err := ioutil.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		} else if !strings.Contains(string(buf), "(declare-fun mask7$idx ((_ BitVec 8)) (_ BitVec 64))") {
			t.Fatalf("unexpected dump: %s", buf)
		} else if n := strings.Count(string(buf), "(check-sat)"); n != 3 {
			t.Fatalf("unexpected query count: %d", n)
		}
	})

	t.Run("Config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bounds.yml")
		if err := ioutil.WriteFile(path, []byte("skip-unsupported: true\ntimeout: 10s\n"), 0666); err != nil {
			t.Fatal(err)
		}

		m := NewMain()
		if err := m.Run(context.Background(), []string{"check", "-config", path, "../../testdata/call.ll"}); err != nil {
			t.Fatal(err)
		} else if !strings.Contains(m.Stdout.String(), "@unknown: GEP %p is potentially out of bound.") {
			t.Fatalf("unexpected output: %s", m.Stdout.String())
		}
	})

	t.Run("FlagOverridesConfig", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bounds.yml")
		if err := ioutil.WriteFile(path, []byte("skip-unsupported: true\n"), 0666); err != nil {
			t.Fatal(err)
		}

		err := NewMain().Run(context.Background(), []string{"check", "-config", path, "-skip-unsupported=false", "../../testdata/call.ll"})
		if err == nil || !strings.Contains(err.Error(), "call to function without a registered signature") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrPathRequired", func(t *testing.T) {
		if err := NewMain().Run(context.Background(), []string{"check"}); err == nil || err.Error() != `path required` {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrTooManyPaths", func(t *testing.T) {
		if err := NewMain().Run(context.Background(), []string{"check", "a.ll", "b.ll"}); err == nil || err.Error() != `too many paths specified` {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrInvalidFormat", func(t *testing.T) {
		if err := NewMain().Run(context.Background(), []string{"check", "-format", "xml", "../../testdata/mask.ll"}); err == nil || err.Error() != `invalid report format: "xml"` {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrInvalidConfig", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bounds.yml")
		if err := ioutil.WriteFile(path, []byte("timeout: [\n"), 0666); err != nil {
			t.Fatal(err)
		}
		if err := NewMain().Run(context.Background(), []string{"check", "-config", path, "../../testdata/mask.ll"}); err == nil || !strings.HasPrefix(err.Error(), "parse config") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
