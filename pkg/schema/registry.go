// Package schema validates wire envelopes against versioned JSON Schemas.
//
// Schemas are embedded in the binary and compiled once at startup, keyed by
// (type, version). Any invalid envelope is a terminal rejection for the
// caller; there is no partial acceptance.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrUnknownSchemaVersion is returned when no schema exists for the
// requested (type, version) pair.
var ErrUnknownSchemaVersion = errors.New("schema: unknown (type, version)")

// ValidationError is a single validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Result is the outcome of envelope validation.
type Result struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Registry holds compiled schemas keyed by envelope type and version.
type Registry struct {
	schemas map[string]map[string]*jsonschema.Schema // type -> version -> schema
}

// NewRegistry compiles every embedded schema. Schema file names follow
// "<type>-<semver>.json"; a malformed name or schema is a startup failure.
func NewRegistry() (*Registry, error) {
	r := &Registry{schemas: make(map[string]map[string]*jsonschema.Schema)}

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("schema: read embedded dir: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		idx := strings.Index(name, "-")
		if idx <= 0 {
			return nil, fmt.Errorf("schema: malformed schema file name %q", entry.Name())
		}
		envType, version := name[:idx], name[idx+1:]
		if _, err := semver.StrictNewVersion(version); err != nil {
			return nil, fmt.Errorf("schema: %q has non-semver version %q: %w", entry.Name(), version, err)
		}

		data, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", entry.Name(), err)
		}

		url := fmt.Sprintf("https://sentinel.schemas.local/%s.schema.json", name)
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schema: load %s: %w", entry.Name(), err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", entry.Name(), err)
		}

		if r.schemas[envType] == nil {
			r.schemas[envType] = make(map[string]*jsonschema.Schema)
		}
		r.schemas[envType][version] = compiled
	}

	return r, nil
}

// Validate checks raw envelope bytes against the schema for (envType,
// version). The error return is reserved for infrastructure problems
// (unknown schema, malformed JSON); validation failures come back in Result.
func (r *Registry) Validate(envType, version string, raw []byte) (*Result, error) {
	versions, ok := r.schemas[envType]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrUnknownSchemaVersion, envType)
	}
	compiled, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: type %q version %q", ErrUnknownSchemaVersion, envType, version)
	}

	var instance interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return &Result{Valid: false, Errors: []ValidationError{{Field: "/", Message: "malformed JSON: " + err.Error()}}}, nil
	}

	if err := compiled.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &Result{Valid: false, Errors: flatten(verr)}, nil
		}
		return nil, fmt.Errorf("schema: validate: %w", err)
	}

	return &Result{Valid: true}, nil
}

// ValidateEnvelope peeks the {version, type} header of raw and validates
// against the matching schema.
func (r *Registry) ValidateEnvelope(raw []byte) (string, *Result, error) {
	var header struct {
		Version string `json:"version"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", &Result{Valid: false, Errors: []ValidationError{{Field: "/", Message: "malformed JSON: " + err.Error()}}}, nil
	}
	if header.Type == "" || header.Version == "" {
		return header.Type, &Result{Valid: false, Errors: []ValidationError{{Field: "/", Message: "missing version/type discriminators"}}}, nil
	}
	res, err := r.Validate(header.Type, header.Version, raw)
	return header.Type, res, err
}

// Types lists the envelope types the registry knows about.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	return types
}

// flatten walks the validation error tree into leaf-level field errors.
func flatten(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		field := verr.InstanceLocation
		if field == "" {
			field = "/"
		}
		return []ValidationError{{Field: field, Message: verr.Message}}
	}
	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}
