// evidence-verify checks exported evidence bindings and persisted audit
// chains offline, without a running gateway.
//
//	evidence-verify --binding binding.json --evidence-key $KEY
//	evidence-verify --audit-db audit.db --audit-key $KEY
//
// Keys default to TOOL_GATEWAY_EVIDENCE_KEY and TOOL_GATEWAY_AUDIT_KEY.
// The exit status is 0 when everything checked verifies, 1 when something
// failed verification and 2 on usage or read errors.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/evidence"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/storage"
)

const (
	exitOK       = 0
	exitInvalid  = 1
	exitUsageErr = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

type options struct {
	bindingPath string
	format      string
	evidenceKey string
	auditDB     string
	auditKey    string
	anchor      string
}

func run(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	var opts options
	flagSet := pflag.NewFlagSet("evidence-verify", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.bindingPath, "binding", "", "exported evidence binding to validate")
	flagSet.StringVar(&opts.format, "format", "auto", "binding encoding: auto, json or cbor")
	flagSet.StringVar(&opts.evidenceKey, "evidence-key", getenv("TOOL_GATEWAY_EVIDENCE_KEY"), "evidence signing key")
	flagSet.StringVar(&opts.auditDB, "audit-db", "", "SQLite audit database to verify")
	flagSet.StringVar(&opts.auditKey, "audit-key", getenv("TOOL_GATEWAY_AUDIT_KEY"), "audit signing key")
	flagSet.StringVar(&opts.anchor, "anchor", "", "previous hash of the first entry (default: genesis)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsageErr
	}
	if flagSet.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected argument: %s\n", flagSet.Arg(0))
		return exitUsageErr
	}
	if opts.bindingPath == "" && opts.auditDB == "" {
		fmt.Fprintln(stderr, "nothing to verify: pass --binding and/or --audit-db")
		return exitUsageErr
	}

	code := exitOK
	if opts.bindingPath != "" {
		code = max(code, verifyBinding(opts, stdout, stderr))
	}
	if opts.auditDB != "" {
		code = max(code, verifyAuditDB(opts, stdout, stderr))
	}
	return code
}

func verifyBinding(opts options, stdout, stderr io.Writer) int {
	if opts.evidenceKey == "" {
		fmt.Fprintln(stderr, "--evidence-key (or TOOL_GATEWAY_EVIDENCE_KEY) is required for --binding")
		return exitUsageErr
	}
	data, err := os.ReadFile(opts.bindingPath)
	if err != nil {
		fmt.Fprintf(stderr, "read binding: %v\n", err)
		return exitUsageErr
	}
	b, err := decodeBinding(data, opts.format)
	if err != nil {
		fmt.Fprintf(stderr, "decode binding: %v\n", err)
		return exitUsageErr
	}

	v := evidence.Validate(b, []byte(opts.evidenceKey))
	fmt.Fprintf(stdout, "binding %s (%s): hash=%s signature=%s custody=%s\n",
		b.ID, b.Kind, okFail(v.HashValid), okFail(v.SignatureValid), okFail(v.CustodyValid))
	for _, e := range v.Errors {
		fmt.Fprintf(stdout, "  %s\n", e)
	}
	if !v.Valid() {
		return exitInvalid
	}
	return exitOK
}

func decodeBinding(data []byte, format string) (*evidence.Binding, error) {
	switch format {
	case "json":
		return evidence.Decode(data)
	case "cbor":
		return evidence.DecodeCBOR(data)
	case "auto":
		if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
			return evidence.Decode(data)
		}
		return evidence.DecodeCBOR(data)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func verifyAuditDB(opts options, stdout, stderr io.Writer) int {
	if opts.auditKey == "" {
		fmt.Fprintln(stderr, "--audit-key (or TOOL_GATEWAY_AUDIT_KEY) is required for --audit-db")
		return exitUsageErr
	}
	if _, err := os.Stat(opts.auditDB); err != nil {
		fmt.Fprintf(stderr, "audit db: %v\n", err)
		return exitUsageErr
	}
	db, err := storage.OpenSQLite(opts.auditDB)
	if err != nil {
		fmt.Fprintf(stderr, "open audit db: %v\n", err)
		return exitUsageErr
	}
	defer func() { _ = db.Close() }()

	entries, err := storage.LoadSQLite(context.Background(), db)
	if err != nil {
		fmt.Fprintf(stderr, "load audit db: %v\n", err)
		return exitUsageErr
	}
	if err := audit.VerifyEntries(entries, []byte(opts.auditKey), opts.anchor); err != nil {
		fmt.Fprintf(stdout, "audit chain: FAIL after %d entries: %v\n", len(entries), err)
		return exitInvalid
	}
	head := audit.GenesisHash
	if len(entries) > 0 {
		head = entries[len(entries)-1].Hash
	}
	fmt.Fprintf(stdout, "audit chain: ok (%d entries, head %s)\n", len(entries), head)
	return exitOK
}

func okFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
