package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"breakerbox/internal/memstore"
	"breakerbox/internal/panicmode"
)

type storeStub struct {
	dials int
	dsn   string
	store *memstore.Store
}

func stubStore(t *testing.T) *storeStub {
	t.Helper()
	stub := &storeStub{store: memstore.New()}
	old := newStore
	newStore = func(dsn string) (panicmode.Store, func(), error) {
		stub.dials++
		stub.dsn = dsn
		return stub.store, func() {}, nil
	}
	t.Cleanup(func() { newStore = old })
	return stub
}

func TestRunMissingCommand(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{}, &buf); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"nope"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunHelp(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"-h"}, &buf); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(buf.String(), "Usage: panicctl") {
		t.Fatalf("output: %s", buf.String())
	}
}

func TestRunVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"--version"}, &buf); err != nil {
		t.Fatalf("err: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "dev" {
		t.Fatalf("output: %s", buf.String())
	}
}

func TestRunStatusAllIntegrations(t *testing.T) {
	stubStore(t)

	var buf bytes.Buffer
	if err := run([]string{"enable", "mercadopago", "-reason", "checkout errors", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("enable: %v", err)
	}

	buf.Reset()
	if err := run([]string{"status", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("status: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("status lines: %d\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "INTEGRATION") || !strings.Contains(lines[0], "STATE") {
		t.Fatalf("header: %s", lines[0])
	}
	for _, name := range []string{"afip", "email", "mercadopago", "whatsapp"} {
		if !strings.Contains(out, name) {
			t.Errorf("missing %s in:\n%s", name, out)
		}
	}
	if !strings.Contains(out, "BLOCKING") || !strings.Contains(out, "checkout errors") {
		t.Fatalf("blocked row missing:\n%s", out)
	}
}

func TestRunServiceFlagSelectsIntegration(t *testing.T) {
	stubStore(t)

	var buf bytes.Buffer
	if err := run([]string{"enable", "-service", "afip", "-reason", "afip outage", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !strings.Contains(buf.String(), "afip: BLOCKING") {
		t.Fatalf("enable output: %s", buf.String())
	}

	buf.Reset()
	if err := run([]string{"status", "--service=afip", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "afip: BLOCKING") {
		t.Fatalf("status output: %s", buf.String())
	}

	buf.Reset()
	if err := run([]string{"disable", "--service=afip", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !strings.Contains(buf.String(), "afip: allowing") {
		t.Fatalf("disable output: %s", buf.String())
	}

	buf.Reset()
	if err := run([]string{"history", "-service", "afip", "-limit", "1", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(buf.String(), "allowing") {
		t.Fatalf("history output: %s", buf.String())
	}
}

func TestRunServiceFlagUnknownListsNames(t *testing.T) {
	stub := stubStore(t)
	var buf bytes.Buffer
	err := run([]string{"enable", "--service=unknown", "--reason=x", "-dsn", "x"}, &buf)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, name := range []string{"afip", "email", "mercadopago", "whatsapp"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not list %s", err, name)
		}
	}
	if stub.dials != 0 {
		t.Fatalf("dialed the store for an unknown integration")
	}
}

func TestRunConflictingIntegrationNames(t *testing.T) {
	stub := stubStore(t)
	var buf bytes.Buffer
	err := run([]string{"disable", "afip", "-service", "email", "-dsn", "x"}, &buf)
	if err == nil || !strings.Contains(err.Error(), "conflicting") {
		t.Fatalf("err: %v", err)
	}
	if stub.dials != 0 {
		t.Fatalf("dialed with conflicting names")
	}
}

func TestRunDisableMissingIntegration(t *testing.T) {
	stub := stubStore(t)
	var buf bytes.Buffer
	if err := run([]string{"disable", "-dsn", "x"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
	if err := run([]string{"history", "-dsn", "x"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
	if stub.dials != 0 {
		t.Fatalf("dialed without an integration")
	}
}

func TestRunUnknownIntegrationListsNames(t *testing.T) {
	stub := stubStore(t)
	var buf bytes.Buffer
	err := run([]string{"status", "bogus", "-dsn", "x"}, &buf)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, name := range []string{"afip", "email", "mercadopago", "whatsapp"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not list %s", err, name)
		}
	}
	if stub.dials != 0 {
		t.Fatalf("dialed the store for an unknown integration")
	}
}

func TestRunEnableMissingReason(t *testing.T) {
	stub := stubStore(t)
	var buf bytes.Buffer
	if err := run([]string{"enable", "afip", "-dsn", "x"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
	if stub.dials != 0 {
		t.Fatalf("dialed the store before validation")
	}
}

func TestRunEnableBadFlag(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"enable", "afip", "-badflag"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunEnableDisableHistory(t *testing.T) {
	stub := stubStore(t)

	var buf bytes.Buffer
	err := run([]string{"enable", "afip", "-reason", "afip outage", "-by", "marta", "-dsn", "x"}, &buf)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "afip: BLOCKING") {
		t.Fatalf("enable output: %s", out)
	}
	if !strings.Contains(out, "(reason: afip outage)") || !strings.Contains(out, "by marta") {
		t.Fatalf("enable output: %s", out)
	}
	if stub.dsn != "x" {
		t.Fatalf("dsn = %q", stub.dsn)
	}

	buf.Reset()
	if err := run([]string{"disable", "afip", "-by", "marta", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !strings.Contains(buf.String(), "afip: allowing") {
		t.Fatalf("disable output: %s", buf.String())
	}

	buf.Reset()
	if err := run([]string{"history", "afip", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("history lines: %d\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "WHEN") || !strings.Contains(lines[0], "TRIGGER") {
		t.Fatalf("header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "allowing") || !strings.Contains(lines[1], "manual") {
		t.Fatalf("newest entry first, got: %s", lines[1])
	}
	if !strings.Contains(lines[2], "blocking") || !strings.Contains(lines[2], "afip outage") {
		t.Fatalf("oldest entry: %s", lines[2])
	}
}

func TestRunStatusShowsRecentHistory(t *testing.T) {
	stub := stubStore(t)

	var buf bytes.Buffer
	if err := run([]string{"enable", "whatsapp", "-reason", "provider 500s", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("enable: %v", err)
	}

	buf.Reset()
	if err := run([]string{"status", "whatsapp", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("status: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "whatsapp: BLOCKING") {
		t.Fatalf("status output: %s", out)
	}
	if !strings.Contains(out, "WHEN") || !strings.Contains(out, "provider 500s") {
		t.Fatalf("status output missing history: %s", out)
	}
	if stub.dials != 2 {
		t.Fatalf("dials = %d", stub.dials)
	}
}

func TestRunHistoryEmpty(t *testing.T) {
	stubStore(t)
	var buf bytes.Buffer
	if err := run([]string{"history", "email", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "no transitions recorded" {
		t.Fatalf("output: %s", buf.String())
	}
}

func TestRunHistoryNegativeLimit(t *testing.T) {
	stub := stubStore(t)
	var buf bytes.Buffer
	if err := run([]string{"history", "afip", "-limit", "-1", "-dsn", "x"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
	if stub.dials != 0 {
		t.Fatalf("dialed the store before validation")
	}
}

func TestRunList(t *testing.T) {
	stubStore(t)

	var buf bytes.Buffer
	if err := run([]string{"enable", "mercadopago", "-reason", "checkout errors", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("enable: %v", err)
	}

	buf.Reset()
	if err := run([]string{"list", "-dsn", "x"}, &buf); err != nil {
		t.Fatalf("list: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("list lines: %d\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "INTEGRATION") || !strings.Contains(lines[0], "CRITICALITY") {
		t.Fatalf("header: %s", lines[0])
	}
	for _, name := range []string{"afip", "email", "mercadopago", "whatsapp"} {
		if !strings.Contains(out, name) {
			t.Errorf("missing %s in:\n%s", name, out)
		}
	}
	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, "mercadopago"):
			if !strings.Contains(line, "BLOCKING") || !strings.Contains(line, "critical") {
				t.Errorf("mercadopago row: %s", line)
			}
		case strings.HasPrefix(line, "afip"):
			if !strings.Contains(line, "allowing") || !strings.Contains(line, "critical") {
				t.Errorf("afip row: %s", line)
			}
		case strings.HasPrefix(line, "email"):
			if !strings.Contains(line, "allowing") || !strings.Contains(line, "degraded-ok") {
				t.Errorf("email row: %s", line)
			}
		}
	}
}

func TestRunDSNRequired(t *testing.T) {
	stub := stubStore(t)
	t.Setenv("BREAKERBOX_DB_DSN", "")
	var buf bytes.Buffer
	err := run([]string{"status", "afip"}, &buf)
	if err == nil || !strings.Contains(err.Error(), "dsn required") {
		t.Fatalf("err: %v", err)
	}
	if stub.dials != 0 {
		t.Fatalf("dialed with no dsn")
	}
}

func TestRunDSNFromEnv(t *testing.T) {
	stub := stubStore(t)
	t.Setenv("BREAKERBOX_DB_DSN", "postgres://env")
	var buf bytes.Buffer
	if err := run([]string{"status", "afip"}, &buf); err != nil {
		t.Fatalf("status: %v", err)
	}
	if stub.dsn != "postgres://env" {
		t.Fatalf("dsn = %q", stub.dsn)
	}
}

func TestRunSubcommandHelp(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"enable", "-h"}, &buf); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(buf.String(), "Usage: panicctl enable") {
		t.Fatalf("output: %s", buf.String())
	}
}

func TestMainFatalOnError(t *testing.T) {
	oldFatal := fatalf
	called := false
	fatalf = func(format string, args ...any) { called = true }
	defer func() { fatalf = oldFatal }()

	oldArgs := os.Args
	os.Args = []string{"panicctl"}
	defer func() { os.Args = oldArgs }()

	main()
	if !called {
		t.Fatalf("expected fatal")
	}
}
