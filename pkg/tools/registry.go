// Package tools holds the function-calling registry and executor: typed
// declarations with schemas derived from Go structs, and batch execution of
// model-issued calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/registry"
)

// Handler executes one function call. The returned map becomes the
// FunctionResponse payload sent back to the model.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

type entry struct {
	decl    api.FunctionDeclaration
	handler Handler
}

// Registry maps function names to declarations and handlers. Registering a
// name twice replaces the earlier registration.
type Registry struct {
	entries *registry.BaseRegistry[*entry]
}

func NewRegistry() *Registry {
	return &Registry{entries: registry.NewBaseRegistry[*entry]()}
}

// Register binds a handler to a declaration. Last write wins on name
// collisions.
func (r *Registry) Register(decl api.FunctionDeclaration, handler Handler) error {
	if decl.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", decl.Name)
	}
	r.entries.Replace(decl.Name, &entry{decl: decl, handler: handler})
	return nil
}

// RegisterFunc derives the parameter schema from the Args struct tags and
// registers a typed handler.
//
// Example:
//
//	type WeatherArgs struct {
//		City string `json:"city" jsonschema:"required,description=City name"`
//	}
//
//	reg.RegisterFunc("get_weather", "Current weather for a city",
//		func(ctx context.Context, args WeatherArgs) (map[string]any, error) {
//			...
//		})
func RegisterFunc[Args any](r *Registry, name, description string, fn func(ctx context.Context, args Args) (map[string]any, error)) error {
	decl, err := Declare[Args](name, description)
	if err != nil {
		return err
	}
	return r.Register(decl, func(ctx context.Context, raw map[string]any) (map[string]any, error) {
		var args Args
		if err := decodeArgs(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		return fn(ctx, args)
	})
}

// Declare builds a FunctionDeclaration whose parameter schema is reflected
// from the Args struct's json and jsonschema tags.
func Declare[Args any](name, description string) (api.FunctionDeclaration, error) {
	if name == "" {
		return api.FunctionDeclaration{}, fmt.Errorf("tool name is required")
	}
	params, err := parameterSchema[Args]()
	if err != nil {
		return api.FunctionDeclaration{}, fmt.Errorf("failed to derive schema for %s: %w", name, err)
	}
	return api.FunctionDeclaration{
		Name:        name,
		Description: description,
		Parameters:  params,
	}, nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Declarations returns every registered declaration in registration order,
// ready to be offered to the model as a Tool.
func (r *Registry) Declarations() []api.FunctionDeclaration {
	entries := r.entries.List()
	decls := make([]api.FunctionDeclaration, len(entries))
	for i, e := range entries {
		decls[i] = e.decl
	}
	return decls
}

// Tool wraps the registry's declarations as a single api.Tool.
func (r *Registry) Tool() api.Tool {
	return api.Tool{FunctionDeclarations: r.Declarations()}
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	return r.entries.Names()
}

func parameterSchema[Args any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(Args))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "$schema")
	delete(m, "$id")
	return json.Marshal(m)
}

func decodeArgs(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
