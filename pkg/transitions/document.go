package transitions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	configassets "github.com/3leaps/spotguard/internal/assets/config"
	schemasassets "github.com/3leaps/spotguard/internal/assets/schemas"
	"github.com/3leaps/spotguard/pkg/runstate"
)

// Document errors
var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("state transitions schema not found")

	// ErrInvalidDocument indicates the document failed schema validation.
	ErrInvalidDocument = errors.New("state transitions document invalid")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error

	defaultOnce  sync.Once
	defaultGraph *Graph
	defaultErr   error
)

// Document is the serialized form of a transition graph.
type Document struct {
	Version     string              `json:"version" yaml:"version"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Edges       map[string][]string `json:"edges" yaml:"edges"`
	ActorGuards map[string][]string `json:"actor_guards,omitempty" yaml:"actor_guards,omitempty"`
}

// ValidationError is a single schema violation.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects schema violations.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, v := range e {
		parts = append(parts, v.Error())
	}
	return "state transitions document invalid: " + strings.Join(parts, "; ")
}

// Unwrap returns ErrInvalidDocument.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidDocument
}

// Default returns the embedded canonical graph. It is parsed once per process.
func Default() (*Graph, error) {
	defaultOnce.Do(func() {
		defaultGraph, defaultErr = Parse(configassets.StateTransitions, "state_transitions.json")
	})
	return defaultGraph, defaultErr
}

// Load reads a transition document from path. An empty path returns Default.
func Load(path string) (*Graph, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("state transitions file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read state transitions file: %w", err)
	}
	return Parse(data, path)
}

// Parse validates and compiles a transition document.
//
// The format is chosen by the extension of path (.json, .yaml, .yml); other
// extensions are tried as YAML, which accepts JSON as well. YAML documents
// must quote the "null" key. The graph hash is computed over the raw bytes,
// so the same file always logs the same hash.
func Parse(data []byte, path string) (*Graph, error) {
	if len(data) == 0 {
		return nil, errors.New("state transitions document is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := validateRaw(jsonData); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("invalid state transitions document: %w", err)
	}

	g, err := compile(doc)
	if err != nil {
		return nil, err
	}
	g.hash = Hash(data)
	return g, nil
}

// Hash returns the SHA-256 hex digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func compile(doc Document) (*Graph, error) {
	g := &Graph{
		version: doc.Version,
		edges:   make(map[runstate.State]map[runstate.State]struct{}, len(doc.Edges)),
		guards:  make(map[Edge]map[runstate.Actor]struct{}, len(doc.ActorGuards)),
	}

	for fromName, targets := range doc.Edges {
		from, err := runstate.ParseState(fromName)
		if err != nil {
			return nil, fmt.Errorf("edges: %w", err)
		}
		set := make(map[runstate.State]struct{}, len(targets))
		for _, toName := range targets {
			to, err := runstate.ParseState(toName)
			if err != nil {
				return nil, fmt.Errorf("edges[%s]: %w", fromName, err)
			}
			if to == runstate.StateNone {
				return nil, fmt.Errorf("edges[%s]: null is not a valid target", fromName)
			}
			set[to] = struct{}{}
		}
		g.edges[from] = set
	}

	for key, actors := range doc.ActorGuards {
		fromName, toName, ok := strings.Cut(key, ":")
		if !ok {
			return nil, fmt.Errorf("actor_guards: key %q must be from:to", key)
		}
		from, err := runstate.ParseState(fromName)
		if err != nil {
			return nil, fmt.Errorf("actor_guards[%s]: %w", key, err)
		}
		to, err := runstate.ParseState(toName)
		if err != nil {
			return nil, fmt.Errorf("actor_guards[%s]: %w", key, err)
		}
		set := make(map[runstate.Actor]struct{}, len(actors))
		for _, name := range actors {
			a, err := runstate.ParseActor(name)
			if err != nil {
				return nil, fmt.Errorf("actor_guards[%s]: %w", key, err)
			}
			set[a] = struct{}{}
		}
		g.guards[Edge{From: from, To: to}] = set
	}

	return g, nil
}

func validateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.StateTransitionsSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.StateTransitionsSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile state transitions schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

func toJSON(data []byte, path string) ([]byte, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in state transitions document: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in state transitions document: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert state transitions document to JSON: %w", err)
	}
	return out, nil
}
