package resolver

import (
	"slices"
	"strings"
)

type keywordCapability struct {
	words []string
	cap   Capability
}

var keywordCapabilities = []keywordCapability{
	{[]string{"email"}, Capability{Name: "email_extraction", Description: "Extract email addresses from text", Agent: "email_extractor", Tools: []string{"extract_emails"}}},
	{[]string{"url", "link"}, Capability{Name: "url_extraction", Description: "Extract URLs from text", Agent: "url_extractor", Tools: []string{"extract_urls"}}},
	{[]string{"phone"}, Capability{Name: "phone_extraction", Description: "Extract phone numbers from text", Agent: "phone_extractor", Tools: []string{"extract_phones"}}},
	{[]string{"date"}, Capability{Name: "date_extraction", Description: "Extract dates from text", Agent: "date_extractor", Tools: []string{"extract_dates"}}},
	{[]string{"keyword"}, Capability{Name: "keyword_extraction", Description: "Extract the most frequent keywords from text", Agent: "keyword_extractor", Tools: []string{"extract_keywords"}}},
	{[]string{"median"}, Capability{Name: "median_calculation", Description: "Compute the median of a list of numbers", Agent: "median_calculator", Tools: []string{"calculate_median"}}},
	{[]string{"average", "mean "}, Capability{Name: "mean_calculation", Description: "Compute the arithmetic mean of a list of numbers", Agent: "mean_calculator", Tools: []string{"calculate_mean"}}},
	{[]string{"statistic"}, Capability{Name: "statistics", Description: "Compute descriptive statistics of numeric data", Agent: "statistics_calculator", Tools: []string{"calculate_statistics"}}},
	{[]string{"word count", "count words", "count the words"}, Capability{Name: "word_counting", Description: "Count the words in text", Agent: "word_counter", Tools: []string{"count_words"}}},
	{[]string{"sentiment"}, Capability{Name: "sentiment_analysis", Description: "Score the sentiment of text", Agent: "sentiment_analyzer", Tools: []string{"score_sentiment"}}},
	{[]string{"csv"}, Capability{Name: "csv_processing", Description: "Parse CSV content into records", Agent: "csv_processor", Tools: []string{"parse_csv"}}},
	{[]string{"json"}, Capability{Name: "json_processing", Description: "Parse and normalize JSON content", Agent: "json_processor", Tools: []string{"parse_json"}}},
	{[]string{"summar"}, Capability{Name: "summarization", Description: "Summarize text into its key sentences", Agent: "text_summarizer", Tools: []string{"extract_key_sentences"}}},
	{[]string{"report"}, Capability{Name: "report_generation", Description: "Format prior results as a readable report", Agent: "report_generator", Tools: []string{"format_report"}}},
}

// KeywordCapabilities infers capabilities from fixed keywords, in the
// order the keywords appear in the request.
func KeywordCapabilities(request string) []Capability {
	lower := strings.ToLower(request) + " "
	type hit struct {
		pos int
		cap Capability
	}
	var hits []hit
	for _, kc := range keywordCapabilities {
		pos := -1
		for _, w := range kc.words {
			if i := strings.Index(lower, w); i >= 0 && (pos < 0 || i < pos) {
				pos = i
			}
		}
		if pos >= 0 {
			c := kc.cap
			c.Tools = slices.Clone(c.Tools)
			hits = append(hits, hit{pos, c})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return a.pos - b.pos })

	caps := make([]Capability, 0, len(hits))
	for _, h := range hits {
		caps = append(caps, h.cap)
	}
	return caps
}
