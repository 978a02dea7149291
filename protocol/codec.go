package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
)

// Field names are matched exactly. encoding/json alone would accept any casing.
var (
	envelopeFields = jsonFields(reflect.TypeOf(Envelope{}))
	payloadFields  = map[string]map[string]bool{
		"handshake": jsonFields(reflect.TypeOf(Handshake{})),
		"log":       jsonFields(reflect.TypeOf(Log{})),
		"progress":  jsonFields(reflect.TypeOf(ProgressState{})),
		"done":      jsonFields(reflect.TypeOf(Result{})),
		"error":     jsonFields(reflect.TypeOf(TaskError{})),
	}
)

func jsonFields(t reflect.Type) map[string]bool {
	fields := map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			fields[name] = true
		}
	}
	return fields
}

func checkFields(b []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return newError("decode", ErrMalformed, "%s", err)
	}
	for name, raw := range top {
		if !envelopeFields[name] {
			return newError("decode", ErrMalformed, "unknown field %q", name)
		}
		allowed, ok := payloadFields[name]
		if !ok {
			continue
		}
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(raw, &payload); err != nil {
			return newError("decode", ErrMalformed, "%s payload: %s", name, err)
		}
		for field := range payload {
			if !allowed[field] {
				return newError("decode", ErrMalformed, "unknown %s field %q", name, field)
			}
		}
	}
	return nil
}

// Encode validates e and returns its wire form.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, newError("encode", ErrMalformed, "%s", err)
	}
	return b, nil
}

// Decode parses one envelope from b.
// The version and kind are checked before the body so that a message of a kind this build does not know
// is reported as ErrUnknownKind rather than as an unknown field.
func Decode(b []byte) (Envelope, error) {
	var head struct {
		Version *int  `json:"version"`
		Kind    *Kind `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return Envelope{}, newError("decode", ErrMalformed, "%s", err)
	}
	if head.Version == nil || head.Kind == nil {
		return Envelope{}, newError("decode", ErrMalformed, "missing version or kind")
	}
	if *head.Version != Version {
		return Envelope{}, newError("decode", ErrVersion, "got version %d, want %d", *head.Version, Version)
	}
	if !head.Kind.Valid() {
		return Envelope{}, newError("decode", ErrUnknownKind, "kind %q", *head.Kind)
	}

	if err := checkFields(b); err != nil {
		return Envelope{}, err
	}

	var e Envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, newError("decode", ErrMalformed, "%s", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Envelope{}, newError("decode", ErrMalformed, "trailing data after envelope")
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
