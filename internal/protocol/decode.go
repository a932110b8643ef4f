package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownFrame is returned for well-formed envelopes of a type the client
// does not handle.
var ErrUnknownFrame = errors.New("unknown frame type")

// DecodeError reports why a frame or response body was rejected.
type DecodeError struct {
	Schema string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Schema, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Schema, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type schemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[string]*jsonschema.Schema
}

var registry schemaRegistry

func initSchemas() error {
	registry.once.Do(func() {
		registry.schemas = make(map[string]*jsonschema.Schema, len(schemaSources))
		for name, source := range schemaSources {
			compiled, err := jsonschema.CompileString(name+".json", source)
			if err != nil {
				registry.initErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			registry.schemas[name] = compiled
		}
	})
	return registry.initErr
}

// Validate checks raw JSON against the named schema and, when it passes,
// unmarshals it into out. Every inbound frame and REST body goes through here
// so that callers never inspect untyped payloads.
func Validate(name string, raw []byte, out any) error {
	if err := initSchemas(); err != nil {
		return err
	}
	schema, ok := registry.schemas[name]
	if !ok {
		return &DecodeError{Schema: name, Reason: "no such schema"}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &DecodeError{Schema: name, Reason: "malformed json", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &DecodeError{Schema: name, Reason: "schema violation", Err: err}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Schema: name, Reason: "type mismatch", Err: err}
	}
	return nil
}

// Decode validates an inbound frame and returns its typed event.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := Validate(SchemaEnvelope, raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case FrameIdentified:
		var ack IdentifiedAck
		if err := Validate(SchemaIdentified, env.Payload, &ack); err != nil {
			return nil, err
		}
		return ack, nil
	case FrameMessage:
		var msg MessageEvent
		if err := Validate(SchemaMessage, env.Payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case FramePresence:
		var presence PresenceEvent
		if err := Validate(SchemaPresence, env.Payload, &presence); err != nil {
			return nil, err
		}
		return presence, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, env.Type)
	}
}
