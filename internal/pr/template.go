package pr

import (
	"bytes"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/gobwas/glob"
)

// TemplateData contains all data available to PR templates
type TemplateData struct {
	// Task is the backlog task the branch implements
	Task string
	// Branch is the head branch name
	Branch string
	// Base is the branch the PR targets
	Base string
	// ChangedFiles is a list of modified file paths
	ChangedFiles []string
	// Summary is the agent's final report
	Summary string
	// LinkedIssue is any detected issue reference (e.g., "#42")
	LinkedIssue string
}

const defaultTemplate = `## Task

{{ .Task }}
{{- if .Summary }}

## Summary

{{ .Summary }}
{{- end }}
{{- if .ChangedFiles }}

## Changed files

{{ range .ChangedFiles }}- {{ . }}
{{ end }}
{{- end }}
{{- if .LinkedIssue }}

Closes {{ .LinkedIssue }}
{{- end }}
`

// RenderTemplate renders a custom PR body template with the given data
func RenderTemplate(tmplStr string, data TemplateData) (string, error) {
	tmpl, err := template.New("pr-template").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// BuildBody renders tmplStr, or the built-in body when it is empty.
func BuildBody(tmplStr string, data TemplateData) (string, error) {
	if strings.TrimSpace(tmplStr) == "" {
		tmplStr = defaultTemplate
	}
	return RenderTemplate(tmplStr, data)
}

var issuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(\d+):`),
	regexp.MustCompile(`(?i)(?:fixes|fix|closes|close|resolves|resolve)\s*#(\d+)`),
	regexp.MustCompile(`#(\d+)`),
}

// ExtractIssueReference extracts issue references from text.
// Supports remote issue identities ("12:title") and the forms
// #123, fixes #123, closes #123, resolves #123.
func ExtractIssueReference(text string) string {
	for _, re := range issuePatterns {
		if m := re.FindStringSubmatch(text); len(m) >= 2 {
			return "#" + m[1]
		}
	}
	return ""
}

// ResolveReviewers determines reviewers based on changed files and config.
// The result is sorted and free of duplicates.
func ResolveReviewers(changedFiles []string, defaultReviewers []string, byPath map[string][]string) []string {
	reviewerSet := make(map[string]bool)

	for _, r := range defaultReviewers {
		reviewerSet[normalizeReviewer(r)] = true
	}

	for pattern, reviewers := range byPath {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		if slices.ContainsFunc(changedFiles, g.Match) {
			for _, r := range reviewers {
				reviewerSet[normalizeReviewer(r)] = true
			}
		}
	}

	result := make([]string, 0, len(reviewerSet))
	for r := range reviewerSet {
		if r != "" {
			result = append(result, r)
		}
	}
	slices.Sort(result)
	return result
}

// normalizeReviewer removes @ prefix from reviewer handles
func normalizeReviewer(reviewer string) string {
	return strings.TrimPrefix(strings.TrimSpace(reviewer), "@")
}

