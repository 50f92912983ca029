// Package jsoncodec is the single JSON entry point for busflow payloads,
// diagnostics responses and transport metadata.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// api mirrors encoding/json semantics (sorted map keys, HTML escaping) so
// payloads stay byte-compatible with producers written against the stdlib.
var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return api.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}
