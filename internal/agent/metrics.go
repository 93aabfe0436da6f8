package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedMetrics holds usage figures scraped from plain-text agent output.
type ParsedMetrics struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// MetricsParser extracts usage figures from an agent's plain-text status lines.
type MetricsParser struct {
	// "Total: 45.2K input, 12.8K output" or "45200 in / 12800 out"
	tokenPattern *regexp.Regexp
	// "Cost: $0.42", "$1.23" or "~$0.42"
	costPattern *regexp.Regexp
	ansiPattern *regexp.Regexp
}

// NewMetricsParser creates a new metrics parser.
func NewMetricsParser() *MetricsParser {
	return &MetricsParser{
		tokenPattern: regexp.MustCompile(`(?i)(?:total:?\s*)?(\d+(?:[.,]\d+)?)\s*([KkMm])?\s*(?:input|in)\s*[,/|]\s*(\d+(?:[.,]\d+)?)\s*([KkMm])?\s*(?:output|out)`),
		costPattern:  regexp.MustCompile(`(?i)(?:cost:?\s*)?~?\$(\d+(?:\.\d+)?)`),
		ansiPattern:  regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`),
	}
}

// Parse returns the metrics found in output, or nil when there are none.
func (p *MetricsParser) Parse(output []byte) *ParsedMetrics {
	if len(output) == 0 {
		return nil
	}

	// Status lines are printed last
	text := string(output)
	if len(text) > 5000 {
		text = text[len(text)-5000:]
	}
	text = p.ansiPattern.ReplaceAllString(text, "")

	metrics := &ParsedMetrics{}
	found := false

	if matches := p.tokenPattern.FindStringSubmatch(text); matches != nil {
		in := parseTokenValue(matches[1], matches[2])
		out := parseTokenValue(matches[3], matches[4])
		if in > 0 || out > 0 {
			metrics.InputTokens = in
			metrics.OutputTokens = out
			found = true
		}
	}

	if matches := p.costPattern.FindAllStringSubmatch(text, -1); matches != nil {
		last := matches[len(matches)-1]
		if cost, err := strconv.ParseFloat(last[1], 64); err == nil {
			metrics.Cost = cost
			found = true
		}
	}

	if !found {
		return nil
	}
	return metrics
}

// parseTokenValue parses "12,800", "45.2" with an optional K/M suffix.
func parseTokenValue(num, suffix string) int64 {
	if num == "" {
		return 0
	}
	val, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil {
		return 0
	}
	switch strings.ToUpper(suffix) {
	case "K":
		val *= 1000
	case "M":
		val *= 1000000
	}
	return int64(val)
}
