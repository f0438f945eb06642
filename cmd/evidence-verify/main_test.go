package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/evidence"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/storage"
)

const (
	auditKey    = "audit-key"
	evidenceKey = "evidence-key"
)

func noEnv(string) string { return "" }

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, noEnv, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// writeFixtures persists a short audit chain to SQLite and exports one
// binding over it as JSON and CBOR.
func writeFixtures(t *testing.T) (dbPath, jsonPath, cborPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "audit.db")

	db, err := storage.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = db.Close() }()
	sink, err := storage.NewSQLiteSink(context.Background(), db, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	st, err := audit.New(audit.Config{SigningKey: []byte(auditKey)})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	st.AddHandler(sink)

	var entries []*audit.Entry
	for _, tool := range []string{"echo", "deploy", "echo"} {
		e, err := st.Log(audit.EventToolExecuted, "agent-1", audit.OutcomeSuccess,
			map[string]any{"tool": tool}, audit.Options{Target: tool, TenantID: "acme"})
		if err != nil {
			t.Fatalf("Log: %v", err)
		}
		entries = append(entries, e)
	}
	st.Flush(context.Background())

	binder, err := evidence.NewBinder(evidence.Config{SigningKey: []byte(evidenceKey)})
	if err != nil {
		t.Fatalf("NewBinder: %v", err)
	}
	b, err := binder.CreateBinding("execution", entries[1:2], evidence.Options{Actor: "gateway"})
	if err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	jsonData, err := binder.Export(b.ID)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	cborData, err := binder.ExportCBOR(b.ID)
	if err != nil {
		t.Fatalf("ExportCBOR: %v", err)
	}
	jsonPath = filepath.Join(dir, "binding.json")
	cborPath = filepath.Join(dir, "binding.cbor")
	if err := os.WriteFile(jsonPath, jsonData, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cborPath, cborData, 0o600); err != nil {
		t.Fatal(err)
	}
	return dbPath, jsonPath, cborPath
}

func TestRun_VerifiesBindingAndChain(t *testing.T) {
	dbPath, jsonPath, cborPath := writeFixtures(t)

	code, out, errOut := runCLI("--binding", jsonPath, "--evidence-key", evidenceKey,
		"--audit-db", dbPath, "--audit-key", auditKey)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d\nstdout: %s\nstderr: %s", code, out, errOut)
	}
	if !strings.Contains(out, "hash=ok signature=ok custody=ok") || !strings.Contains(out, "audit chain: ok (3 entries") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	if code, out, _ := runCLI("--binding", cborPath, "--evidence-key", evidenceKey); code != exitOK {
		t.Fatalf("cbor binding: expected exit 0, got %d\n%s", code, out)
	}
}

func TestRun_WrongKeysFail(t *testing.T) {
	dbPath, jsonPath, _ := writeFixtures(t)

	code, out, _ := runCLI("--binding", jsonPath, "--evidence-key", "other")
	if code != exitInvalid || !strings.Contains(out, "signature=FAIL") {
		t.Fatalf("expected signature failure, got %d\n%s", code, out)
	}

	code, out, _ = runCLI("--audit-db", dbPath, "--audit-key", "other")
	if code != exitInvalid || !strings.Contains(out, "audit chain: FAIL") {
		t.Fatalf("expected chain failure, got %d\n%s", code, out)
	}
}

func TestRun_KeysFromEnvironment(t *testing.T) {
	dbPath, _, _ := writeFixtures(t)
	env := func(k string) string {
		if k == "TOOL_GATEWAY_AUDIT_KEY" {
			return auditKey
		}
		return ""
	}
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--audit-db", dbPath}, env, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
}

func TestRun_UsageErrors(t *testing.T) {
	cases := map[string][]string{
		"nothing to verify": {},
		"missing key":       {"--binding", "x.json"},
		"missing file":      {"--binding", filepath.Join(t.TempDir(), "nope.json"), "--evidence-key", "k"},
		"missing db":        {"--audit-db", filepath.Join(t.TempDir(), "nope.db"), "--audit-key", "k"},
		"stray argument":    {"--audit-db", "a.db", "extra"},
		"unknown flag":      {"--frobnicate"},
	}
	for name, args := range cases {
		if code, _, _ := runCLI(args...); code != exitUsageErr {
			t.Errorf("%s: expected exit %d, got %d", name, exitUsageErr, code)
		}
	}
}
