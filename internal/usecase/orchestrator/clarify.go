package orchestrator

import (
	"strings"
	"unicode/utf8"
)

var clarifySuggestions = []string{
	"Please upload the data file you'd like me to analyze",
	"Provide the specific text or content to process",
	"Specify what type of analysis you're looking for (statistics, sentiment, extraction, etc.)",
	"Include more details about your requirements",
}

// Clarification lists why a request cannot be planned as given.
type Clarification struct {
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// Needed reports whether the request needs clarification.
func (c Clarification) Needed() bool { return len(c.Issues) > 0 }

// Message renders the clarification for the caller.
func (c Clarification) Message() string {
	return "I need more information to help you effectively. " +
		strings.Join(c.Issues, " ") +
		"\n\nHere are some ways you can help me:\n• " +
		strings.Join(c.Suggestions, "\n• ")
}

// Clarify checks a request for ambiguity before any model is consulted.
// A request is ambiguous when it asks to analyze or process data that was
// never supplied, when it is explicitly marked as lacking data, or when it
// is too short to act on and comes without files.
func Clarify(request string, files int) Clarification {
	lower := strings.ToLower(request)
	n := utf8.RuneCountInString(strings.TrimSpace(request))
	var c Clarification

	if files == 0 && n < 100 &&
		(strings.Contains(lower, "analyze") || strings.Contains(lower, "process")) &&
		(strings.Contains(lower, "data") || strings.Contains(lower, "feedback")) {
		c.Issues = append(c.Issues, "No data file or specific content provided")
	}
	if strings.Contains(lower, "[no specific data provided") || strings.Contains(lower, "ambiguous request") {
		c.Issues = append(c.Issues, "Request lacks specific data or clear instructions")
	}
	if files == 0 && n < 30 {
		c.Issues = append(c.Issues, "Request is too brief to determine specific action")
	}
	if c.Needed() {
		c.Suggestions = clarifySuggestions
	}
	return c
}
