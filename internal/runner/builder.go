package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// ErrInvalidConfiguration is returned when a run configuration cannot be built
var ErrInvalidConfiguration = errors.New("runner: invalid configuration")

// Keys stamped into every built configuration
const (
	KeyControllerURI         = "measurement_controller_uri"
	KeyScenario              = "scenario_description"
	KeySendingStatusMessages = "sending_status_messages"
	KeySessionKey            = "session_key"
)

// BuildRequest carries what a single run's configuration is built from
type BuildRequest struct {
	SessionKey    string
	Controller    string
	Scenario      string
	Configuration json.RawMessage
}

// Builder produces per-run configurations. Each build works on a fresh copy
// of the base configuration so runs never share mutable state.
type Builder struct {
	base   []byte
	schema *jsonschema.Schema
}

// NewBuilder loads the base configuration and schema named in config.
// Both files are optional.
func NewBuilder(config Config) (*Builder, error) {
	var base, schema []byte

	if config.BaseConfiguration != "" {
		data, err := os.ReadFile(config.BaseConfiguration)
		if err != nil {
			return nil, fmt.Errorf("failed to read base configuration: %w", err)
		}
		base = data
	}

	if config.SchemaFile != "" {
		data, err := os.ReadFile(config.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration schema: %w", err)
		}
		schema = data
	}

	return NewBuilderFromBytes(base, schema)
}

// NewBuilderFromBytes creates a builder from an in-memory base configuration and schema
func NewBuilderFromBytes(base, schema []byte) (*Builder, error) {
	b := &Builder{}

	if len(bytes.TrimSpace(base)) > 0 {
		if err := requireObject(base); err != nil {
			return nil, fmt.Errorf("base configuration: %w", err)
		}
		b.base = base
	}

	if len(bytes.TrimSpace(schema)) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("configuration.json", bytes.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("invalid configuration schema: %w", err)
		}
		compiled, err := compiler.Compile("configuration.json")
		if err != nil {
			return nil, fmt.Errorf("invalid configuration schema: %w", err)
		}
		b.schema = compiled
	}

	return b, nil
}

// Build merges the request configuration over the base configuration, stamps
// the controller, scenario and session key, and validates the result.
// Every error wraps ErrInvalidConfiguration.
func (b *Builder) Build(req BuildRequest) (json.RawMessage, error) {
	if req.SessionKey == "" {
		return nil, fmt.Errorf("%w: missing session key", ErrInvalidConfiguration)
	}
	if req.Controller == "" {
		return nil, fmt.Errorf("%w: missing controller address", ErrInvalidConfiguration)
	}

	merged := make(map[string]any)
	if b.base != nil {
		if err := json.Unmarshal(b.base, &merged); err != nil {
			return nil, fmt.Errorf("%w: base configuration: %v", ErrInvalidConfiguration, err)
		}
	}

	if len(bytes.TrimSpace(req.Configuration)) > 0 {
		if err := requireObject(req.Configuration); err != nil {
			return nil, err
		}
		var overlay map[string]any
		if err := json.Unmarshal(req.Configuration, &overlay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
		for k, v := range overlay {
			merged[k] = v
		}
	}

	merged[KeyControllerURI] = req.Controller
	merged[KeySendingStatusMessages] = true
	merged[KeySessionKey] = req.SessionKey
	if req.Scenario != "" {
		merged[KeyScenario] = req.Scenario
	}

	if b.schema != nil {
		if err := b.schema.Validate(merged); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return out, nil
}

func requireObject(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: malformed JSON", ErrInvalidConfiguration)
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return fmt.Errorf("%w: configuration must be a JSON object", ErrInvalidConfiguration)
	}
	return nil
}
