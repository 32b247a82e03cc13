// Package tool defines the tool contract and the data that flows through the execution core.
package tool

import (
	"context"
	"fmt"
	"strings"
)

// Category is the closed set of tool categories.
type Category string

const (
	CategoryFilesystem     Category = "filesystem"
	CategoryExecution      Category = "execution"
	CategoryVersionControl Category = "version-control"
	CategorySearch         Category = "search"
	CategoryAnalysis       Category = "analysis"
	CategoryOther          Category = "other"
)

var categories = []Category{
	CategoryFilesystem,
	CategoryExecution,
	CategoryVersionControl,
	CategorySearch,
	CategoryAnalysis,
	CategoryOther,
}

// Categories returns every valid category in declaration order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts s to a Category, rejecting unknown values.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown tool category %q", s)
	}
	return c, nil
}

// Descriptor is the registered, immutable description of a tool.
type Descriptor struct {
	Name        string
	Category    Category
	Description string
	// Schema is a JSON-schema object describing the parameters.
	Schema           map[string]interface{}
	RequiresApproval bool
	Version          string
	// ReadOnly tools have no side effects; only their results are cached.
	ReadOnly bool
}

// Env is handed to every tool execution.
type Env struct {
	ProjectRoot string
	// Approve asks for an out-of-band decision from inside a tool. May be nil.
	Approve func(ctx context.Context, reason string) bool
}

// Tool is implemented by every concrete tool.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, params map[string]interface{}, env Env) (interface{}, error)
}

// Request is a single tool call declared by the model.
type Request struct {
	ID        string
	Tool      string
	Params    map[string]interface{}
	DependsOn []string
}

// Func adapts a plain function into a Tool.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, params map[string]interface{}, env Env) (interface{}, error)
}

// Descriptor implements Tool.
func (f *Func) Descriptor() Descriptor { return f.Desc }

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, params map[string]interface{}, env Env) (interface{}, error) {
	return f.Fn(ctx, params, env)
}
