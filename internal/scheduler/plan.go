package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentcore/internal/tool"
)

var (
	// ErrCycleDetected marks a batch rejected for circular dependencies.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrDeadlockDetected means pending nodes remained with nothing ready or running.
	ErrDeadlockDetected = errors.New("deadlock detected")
	// ErrInvalidBatch is returned for missing or duplicate call IDs.
	ErrInvalidBatch = errors.New("invalid batch")
)

// CycleError reports the dependency path that closes a cycle, first node
// repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// Status is the lifecycle state of a node.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Node is one request in the plan. Edges are indexes into Plan.Nodes.
type Node struct {
	Request tool.Request
	Status  Status
	Result  tool.Result

	index      int
	deps       []int
	dependents []int
	// waiting counts dependencies not yet completed.
	waiting int
}

// Plan is the dependency graph of a batch, stored as an arena of nodes.
type Plan struct {
	Nodes []*Node
	index map[string]int
}

// BuildPlan turns a batch into a graph. The whole batch is rejected if any
// call IDs are missing or repeated, or if the dependencies contain a cycle.
// A dependency on an ID outside the batch fails only that node.
func BuildPlan(reqs []tool.Request) (*Plan, error) {
	p := &Plan{
		Nodes: make([]*Node, len(reqs)),
		index: make(map[string]int, len(reqs)),
	}
	for i, req := range reqs {
		if req.ID == "" {
			return nil, fmt.Errorf("%w: call %d has no id", ErrInvalidBatch, i)
		}
		if _, dup := p.index[req.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate call id %q", ErrInvalidBatch, req.ID)
		}
		p.index[req.ID] = i
		p.Nodes[i] = &Node{Request: req, Status: StatusPending, index: i}
	}

	for _, n := range p.Nodes {
		seen := make(map[int]bool, len(n.Request.DependsOn))
		var unknown []string
		for _, dep := range n.Request.DependsOn {
			j, ok := p.index[dep]
			if !ok {
				unknown = append(unknown, dep)
				continue
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			n.deps = append(n.deps, j)
			p.Nodes[j].dependents = append(p.Nodes[j].dependents, n.index)
		}
		n.waiting = len(n.deps)
		if len(unknown) > 0 {
			n.Status = StatusFailed
			n.Result = tool.Failed(n.Request, tool.KindValidation,
				"depends on unknown call(s): %s", strings.Join(unknown, ", "))
		}
	}

	if path := p.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}
	return p, nil
}

// findCycle runs an iterative depth-first search with an explicit recursion
// stack. Reaching a node that is still on the stack closes a cycle.
func (p *Plan) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	type frame struct {
		node int
		edge int
	}

	state := make([]int, len(p.Nodes))
	for start := range p.Nodes {
		if state[start] != unvisited {
			continue
		}
		stack := []frame{{node: start}}
		state[start] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := p.Nodes[top.node].deps
			if top.edge == len(deps) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}
			next := deps[top.edge]
			top.edge++

			switch state[next] {
			case unvisited:
				state[next] = onStack
				stack = append(stack, frame{node: next})
			case onStack:
				var path []string
				for i := range stack {
					if stack[i].node != next {
						continue
					}
					for _, f := range stack[i:] {
						path = append(path, p.Nodes[f.node].Request.ID)
					}
					break
				}
				return append(path, p.Nodes[next].Request.ID)
			}
		}
	}
	return nil
}

// Node returns the node for a call ID.
func (p *Plan) Node(id string) (*Node, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return p.Nodes[i], true
}

// Dependencies returns the call IDs n waits on.
func (p *Plan) Dependencies(n *Node) []string {
	out := make([]string, len(n.deps))
	for i, d := range n.deps {
		out[i] = p.Nodes[d].Request.ID
	}
	return out
}

// Results returns every node's result in request order.
func (p *Plan) Results() []tool.Result {
	out := make([]tool.Result, len(p.Nodes))
	for i, n := range p.Nodes {
		out[i] = n.Result
	}
	return out
}
