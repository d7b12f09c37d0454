package planner

import (
	"regexp"
	"strings"
)

// Complexity classes.
const (
	ComplexitySimple   = "simple"
	ComplexityPipeline = "pipeline"
	ComplexityComplex  = "complex"
)

var pipelineKeywords = []string{
	"then", "after", "next", "followed by", "and then", "first", "second", "third",
	"finally", "last", "extract and", "analyze and", "process and", "create and",
	"step by step", "pipeline", "workflow", "sequence",
}

var complexKeywords = []string{
	"multiple files", "compare", "merge", "combine", "different formats",
	"various sources", "cross-reference", "comprehensive", "detailed analysis",
	"full report",
}

var stepIndicators = []string{"1.", "2.", "3.", "step 1", "step 2", "step 3"}

// keywordRes matches each phrase on word boundaries so "then" does not
// match inside "authentication".
var keywordRes = func() map[string]*regexp.Regexp {
	m := map[string]*regexp.Regexp{}
	for _, list := range [][]string{pipelineKeywords, complexKeywords} {
		for _, k := range list {
			m[k] = regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`)
		}
	}
	return m
}()

// ComplexityReport explains a complexity classification.
type ComplexityReport struct {
	Class           string   `json:"class"`
	PipelineMarkers []string `json:"pipeline_markers,omitempty"`
	ComplexMarkers  []string `json:"complex_markers,omitempty"`
	StepMarkers     []string `json:"step_markers,omitempty"`
	Words           int      `json:"words"`
	Files           int      `json:"files"`
}

// AnalyzeComplexity decides whether a request deserves a multi-step
// pipeline. It is complex with any complex marker, more than two
// sequencing markers, more than one numbered step or more than one input
// file. It is a pipeline with any sequencing marker or more than twenty
// words. Everything else is simple and takes the single-agent path.
func AnalyzeComplexity(request string, files int) ComplexityReport {
	lower := strings.ToLower(request)
	rep := ComplexityReport{Words: len(strings.Fields(request)), Files: files}

	for _, k := range pipelineKeywords {
		if keywordRes[k].MatchString(lower) {
			rep.PipelineMarkers = append(rep.PipelineMarkers, k)
		}
	}
	for _, k := range complexKeywords {
		if keywordRes[k].MatchString(lower) {
			rep.ComplexMarkers = append(rep.ComplexMarkers, k)
		}
	}
	for _, k := range stepIndicators {
		if strings.Contains(lower, k) {
			rep.StepMarkers = append(rep.StepMarkers, k)
		}
	}

	switch {
	case len(rep.ComplexMarkers) > 0 || len(rep.PipelineMarkers) > 2 || len(rep.StepMarkers) > 1 || files > 1:
		rep.Class = ComplexityComplex
	case len(rep.PipelineMarkers) > 0 || rep.Words > 20:
		rep.Class = ComplexityPipeline
	default:
		rep.Class = ComplexitySimple
	}
	return rep
}
