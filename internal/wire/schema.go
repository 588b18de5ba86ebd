package wire

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema names.
const (
	SchemaEntry     = "entry-v1.schema.json"
	SchemaHeartbeat = "heartbeat-v1.schema.json"
	SchemaHistory   = "history-v1.schema.json"
)

const schemaBase = "https://hydromatic.local/schema/"

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		names := []string{SchemaEntry, SchemaHeartbeat, SchemaHistory}
		for _, name := range names {
			data, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBase+name, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema resource %s: %w", name, err)
				return
			}
		}

		compiled := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			s, err := compiler.Compile(schemaBase + name)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[name] = s
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// Decode parses a JSON document into the generic form the validator expects.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks a decoded document against the named schema.
func Validate(name string, doc any) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}
	s, ok := all[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	return s.Validate(doc)
}

// ValidateBytes decodes data and validates it against the named schema.
func ValidateBytes(name string, data []byte) error {
	doc, err := Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Validate(name, doc)
}

// Kind identifies a device line.
type Kind int

const (
	KindInvalid Kind = iota
	KindEntry
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "invalid"
	}
}

// Classify validates a line from the device and reports whether it is an
// entry or a heartbeat. The decoded document is returned for storage.
func Classify(line []byte) (Kind, map[string]any, error) {
	doc, err := Decode(line)
	if err != nil {
		return KindInvalid, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return KindInvalid, nil, fmt.Errorf("%w: not an object", ErrCorrupt)
	}

	if obj["type"] == HeartbeatType {
		if err := Validate(SchemaHeartbeat, doc); err != nil {
			return KindInvalid, obj, err
		}
		return KindHeartbeat, obj, nil
	}
	if err := Validate(SchemaEntry, doc); err != nil {
		return KindInvalid, obj, err
	}
	return KindEntry, obj, nil
}
