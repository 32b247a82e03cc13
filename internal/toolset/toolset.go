// Package toolset exposes the agentkit built-in tools as registry tools.
package toolset

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/tools"

	"github.com/vinayprograms/agentcore/internal/registry"
	"github.com/vinayprograms/agentcore/internal/tool"
)

// Traits are the execution properties agentkit does not describe.
type Traits struct {
	Category         tool.Category
	ReadOnly         bool
	RequiresApproval bool
}

// builtin classifies the agentkit tools this core knows about. Unknown tools
// are treated as side-effecting and gated behind approval.
var builtin = map[string]Traits{
	"read":       {Category: tool.CategoryFilesystem, ReadOnly: true},
	"ls":         {Category: tool.CategoryFilesystem, ReadOnly: true},
	"write":      {Category: tool.CategoryFilesystem, RequiresApproval: true},
	"edit":       {Category: tool.CategoryFilesystem, RequiresApproval: true},
	"glob":       {Category: tool.CategorySearch, ReadOnly: true},
	"grep":       {Category: tool.CategorySearch, ReadOnly: true},
	"web_search": {Category: tool.CategorySearch, ReadOnly: true},
	"web_fetch":  {Category: tool.CategorySearch, ReadOnly: true},
	"bash":       {Category: tool.CategoryExecution, RequiresApproval: true},
}

// Classify returns the traits for name, preferring overrides.
func Classify(name string, overrides map[string]Traits) Traits {
	if t, ok := overrides[name]; ok {
		return t
	}
	if t, ok := builtin[name]; ok {
		return t
	}
	return Traits{Category: tool.CategoryOther, RequiresApproval: true}
}

// Adapter runs one agentkit tool. The tool is looked up on every call so
// registry reconfiguration (bash checker, credentials) takes effect.
type Adapter struct {
	reg  *tools.Registry
	desc tool.Descriptor
}

// Descriptor implements tool.Tool.
func (a *Adapter) Descriptor() tool.Descriptor { return a.desc }

// Execute implements tool.Tool.
func (a *Adapter) Execute(ctx context.Context, params map[string]interface{}, env tool.Env) (interface{}, error) {
	t := a.reg.Get(a.desc.Name)
	if t == nil {
		return nil, fmt.Errorf("agentkit tool %s is not available", a.desc.Name)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return t.Execute(ctx, params)
}

// Wrap builds an adapter for every tool agentkit defines, in name order.
// Only names listed in enabled are kept when enabled is non-empty.
func Wrap(reg *tools.Registry, enabled []string, overrides map[string]Traits) []tool.Tool {
	keep := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		keep[name] = true
	}

	var out []*Adapter
	for _, def := range reg.Definitions() {
		if len(keep) > 0 && !keep[def.Name] {
			continue
		}
		traits := Classify(def.Name, overrides)
		out = append(out, &Adapter{
			reg: reg,
			desc: tool.Descriptor{
				Name:             def.Name,
				Category:         traits.Category,
				Description:      def.Description,
				Schema:           def.Parameters,
				RequiresApproval: traits.RequiresApproval,
				ReadOnly:         traits.ReadOnly,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc.Name < out[j].desc.Name })

	result := make([]tool.Tool, len(out))
	for i, a := range out {
		result[i] = a
	}
	return result
}

// Register wraps the agentkit tools and adds them to r. Tools whose schema
// cannot be validated are skipped with a warning.
func Register(r *registry.Registry, reg *tools.Registry, enabled []string, overrides map[string]Traits) error {
	logger := logging.New().WithComponent("toolset")
	var names []string
	for _, t := range Wrap(reg, enabled, overrides) {
		name := t.Descriptor().Name
		if err := r.Register(t); err != nil {
			if errors.Is(err, registry.ErrInvalidDescriptor) {
				logger.Warn("skipping tool", map[string]interface{}{
					"tool":  name,
					"error": err.Error(),
				})
				continue
			}
			return fmt.Errorf("register %s: %w", name, err)
		}
		names = append(names, name)
	}
	logger.Info("tools registered", map[string]interface{}{
		"count": len(names),
		"tools": names,
	})
	return nil
}
