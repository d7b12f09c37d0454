package planner

import (
	"fmt"
	"slices"
	"strings"

	"agentfabric/internal/domain"
)

// Operation is one unit of work extracted from the free-text analysis.
type Operation struct {
	Name           string `json:"name,omitempty"`
	Description    string `json:"operation_description"`
	InputNeeded    string `json:"input_needed"`
	OutputProduced string `json:"output_produced"`
	ProcessingType string `json:"processing_type"`
	// DependsOn lists the operations whose output this one consumes. Nil
	// means the previous operation; empty means the original input only.
	DependsOn []int               `json:"depends_on,omitempty"`
	Condition *OperationCondition `json:"condition,omitempty"`
}

// OperationCondition gates an operation on an earlier one.
type OperationCondition struct {
	AfterOperation int    `json:"after_operation"`
	When           string `json:"when"`
}

// UserInput is the From of a data-flow edge fed by the request itself.
const UserInput = -1

// Dependencies returns the operations op i consumes, ignoring forward and
// self references.
func Dependencies(ops []Operation, i int) []int {
	if ops[i].DependsOn == nil {
		if i == 0 {
			return []int{}
		}
		return []int{i - 1}
	}
	deps := make([]int, 0, len(ops[i].DependsOn))
	for _, d := range ops[i].DependsOn {
		if d >= 0 && d < i && !slices.Contains(deps, d) {
			deps = append(deps, d)
		}
	}
	slices.Sort(deps)
	return deps
}

// BuildDataFlow returns the step-to-step edges of ops. A step that only
// consumes the original input gets an edge from UserInput.
func BuildDataFlow(ops []Operation) []domain.DataFlowEdge {
	var edges []domain.DataFlowEdge
	for i := range ops {
		deps := Dependencies(ops, i)
		if len(deps) == 0 {
			edges = append(edges, domain.DataFlowEdge{From: UserInput, To: i, PayloadType: "user_input"})
			continue
		}
		for _, d := range deps {
			edges = append(edges, domain.DataFlowEdge{From: d, To: i, PayloadType: payloadType(ops[d].OutputProduced)})
		}
	}
	return edges
}

func payloadType(desc string) string {
	if s := strings.TrimSpace(desc); s != "" {
		return s
	}
	return "any"
}

// SelectStrategy picks the execution strategy of ops and assigns parallel
// groups. groups[i] is the 1-based group of op i, or 0 when it runs alone.
//
// Operations form a parallel group when they consume the same input type
// from the same predecessors and are not gated by a condition; sharing
// predecessors means neither consumes the other's output.
func SelectStrategy(ops []Operation) (domain.WorkflowType, []int) {
	groups := make([]int, len(ops))
	if len(ops) < 2 {
		return domain.WorkflowSequential, groups
	}

	keys := map[string][]int{}
	var order []string
	for i, op := range ops {
		if op.Condition != nil {
			continue
		}
		key := fmt.Sprint(Dependencies(ops, i)) + "|" + normalizeType(op.InputNeeded)
		if _, ok := keys[key]; !ok {
			order = append(order, key)
		}
		keys[key] = append(keys[key], i)
	}
	next := 0
	grouped := 0
	for _, key := range order {
		members := keys[key]
		if len(members) < 2 {
			continue
		}
		next++
		for _, m := range members {
			groups[m] = next
		}
		grouped += len(members)
	}

	conditional := slices.ContainsFunc(ops, func(op Operation) bool { return op.Condition != nil })
	switch {
	case conditional && next > 0:
		return domain.WorkflowHybrid, groups
	case conditional:
		return domain.WorkflowConditional, groups
	case next == 1 && grouped == len(ops):
		return domain.WorkflowParallel, groups
	case next > 0:
		return domain.WorkflowHybrid, groups
	case linear(ops):
		return domain.WorkflowSequential, groups
	default:
		return domain.WorkflowHybrid, groups
	}
}

func linear(ops []Operation) bool {
	for i := range ops {
		deps := Dependencies(ops, i)
		if i == 0 && len(deps) != 0 {
			return false
		}
		if i > 0 && !slices.Equal(deps, []int{i - 1}) {
			return false
		}
	}
	return true
}

func normalizeType(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// stepCondition converts an operation's gate into a step condition over
// step names. Gates that point forward are dropped.
func stepCondition(c *OperationCondition, i int, steps []domain.StepPlan) *domain.StepCondition {
	if c == nil || c.AfterOperation < 0 || c.AfterOperation >= i {
		return nil
	}
	when := c.When
	switch when {
	case "success", "error", "non_empty":
	default:
		when = "success"
	}
	return &domain.StepCondition{AfterStep: steps[c.AfterOperation].Name, When: when}
}
