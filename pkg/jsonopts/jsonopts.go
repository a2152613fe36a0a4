// Package jsonopts is the single JSON serializer configuration shared by
// every component that snapshots workflow data: the Parameter effect
// provider (Metadata.Input/Output), the JSON effect provider (per-model
// snapshots at Track time), and the step logging provider (step input/output at
// configured verbosity). One serializer, two configurations: a compact
// mode for storage and a pretty/verbose mode for step debugging.
package jsonopts

import (
	"bytes"
	"encoding/json"
)

// Options configures how a value is marshaled to JSON for persistence or
// logging.
type Options struct {
	// Indent pretty-prints with the given prefix/indent when non-empty.
	Indent string
	// Verbose includes fields that would otherwise be omitted by a
	// producer-side `omitempty` tag (handled by callers, not this package;
	// Marshal does not read Verbose -- indentation depends only on Indent).
	Verbose bool
}

// Compact serializes without indentation, for storage columns.
func Compact() Options { return Options{} }

// Pretty serializes with two-space indentation, for step-debug logging.
func Pretty() Options { return Options{Indent: "  ", Verbose: true} }

// Marshal encodes v according to opts.
func Marshal(v any, opts Options) ([]byte, error) {
	if opts.Indent == "" {
		return json.Marshal(v)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", opts.Indent)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	return b, nil
}
