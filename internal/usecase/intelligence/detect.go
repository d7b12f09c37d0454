package intelligence

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"agentfabric/internal/domain"
)

// Issue types.
const (
	IssueStepFailure       = "step_failure"
	IssuePerformance       = "performance_degradation"
	IssueEmptyResults      = "empty_results"
	IssueNullValues        = "null_values"
	IssueTypeInconsistency = "type_inconsistency"
)

// Recommendation is a suggested follow-up for an issue.
type Recommendation struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// Analysis is the monitor's verdict on one step.
type Analysis struct {
	// Status is "healthy", "degraded" or "failed".
	Status           string           `json:"status"`
	Issues           []domain.Issue   `json:"issues_detected"`
	Recommendations  []Recommendation `json:"recommendations"`
	AdaptationNeeded bool             `json:"adaptation_needed"`
	Strategy         *Strategy        `json:"adaptation_strategy,omitempty"`
}

// HasHighSeverity reports whether any issue is high severity.
func (a Analysis) HasHighSeverity() bool {
	return slices.ContainsFunc(a.Issues, func(i domain.Issue) bool { return i.Severity == domain.SeverityHigh })
}

// DetectIssues inspects a step envelope. Data quality is only judged on
// successful steps.
func DetectIssues(env domain.Envelope, slow time.Duration) []domain.Issue {
	var issues []domain.Issue
	if env.IsError() {
		issues = append(issues, domain.Issue{
			Type:        IssueStepFailure,
			Severity:    domain.SeverityHigh,
			Description: env.ErrorMessage(),
		})
	}
	if secs := env.ExecutionTime(); slow > 0 && secs > slow.Seconds() {
		issues = append(issues, domain.Issue{
			Type:        IssuePerformance,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("Step took %.1fs (threshold: %.0fs)", secs, slow.Seconds()),
		})
	}
	if env.IsSuccess() {
		issues = append(issues, dataQuality(env.Data)...)
	}
	return issues
}

func dataQuality(data any) []domain.Issue {
	var issues []domain.Issue
	if empty(data) {
		issues = append(issues, domain.Issue{
			Type:        IssueEmptyResults,
			Severity:    domain.SeverityMedium,
			Description: "Step produced no data",
		})
	}
	switch d := data.(type) {
	case map[string]any:
		var nulls []string
		for k, v := range d {
			if v == nil {
				nulls = append(nulls, k)
			}
		}
		if len(nulls) > 0 {
			slices.Sort(nulls)
			issues = append(issues, domain.Issue{
				Type:        IssueNullValues,
				Severity:    domain.SeverityLow,
				Description: fmt.Sprintf("Fields with null values: %v", nulls),
			})
		}
	case []any:
		if len(d) > 0 && !uniform(d) {
			issues = append(issues, domain.Issue{
				Type:        IssueTypeInconsistency,
				Severity:    domain.SeverityMedium,
				Description: "Mixed data types in result list",
			})
		}
	}
	return issues
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case int:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func uniform(items []any) bool {
	first := reflect.TypeOf(items[0])
	for _, it := range items[1:] {
		if reflect.TypeOf(it) != first {
			return false
		}
	}
	return true
}

// Recommend maps issues to follow-up suggestions.
func Recommend(issues []domain.Issue) []Recommendation {
	var recs []Recommendation
	for _, issue := range issues {
		switch issue.Type {
		case IssueStepFailure:
			recs = append(recs,
				Recommendation{"retry_with_different_agent", "Try executing with a different agent or create replacement", domain.SeverityHigh},
				Recommendation{"modify_input_data", "Preprocess input data to handle edge cases", domain.SeverityMedium},
			)
		case IssuePerformance:
			recs = append(recs, Recommendation{"optimize_agent", "Consider creating optimized version of agent", domain.SeverityMedium})
		case IssueEmptyResults:
			recs = append(recs,
				Recommendation{"verify_input_data", "Check if input data is suitable for processing", domain.SeverityHigh},
				Recommendation{"adjust_agent_logic", "Modify agent to handle edge cases better", domain.SeverityMedium},
			)
		case IssueTypeInconsistency:
			recs = append(recs, Recommendation{"normalize_output", "Normalize list items to a single type", domain.SeverityLow})
		}
	}
	return recs
}

func analyze(env domain.Envelope, slow time.Duration) Analysis {
	a := Analysis{Status: "healthy", Issues: DetectIssues(env, slow)}
	switch {
	case env.IsError():
		a.Status = "failed"
	case len(a.Issues) > 0:
		a.Status = "degraded"
	}
	a.Recommendations = Recommend(a.Issues)
	a.AdaptationNeeded = a.HasHighSeverity()
	return a
}
