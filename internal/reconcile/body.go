package reconcile

import (
	"regexp"
	"strings"
)

var (
	htmlMarkerRegex = regexp.MustCompile(`(?is)<[a-z].*>`)
	lineBreakRegex  = regexp.MustCompile(`(?i)<br\s*/?>`)
	tagRegex        = regexp.MustCompile(`<[^>]+>`)
	fieldLineRegex  = regexp.MustCompile(`^([^:]+):\s*(.+)$`)

	// entityReplacements are applied in order, so "&amp;lt;" decodes to "<".
	entityReplacements = []struct {
		pattern *regexp.Regexp
		value   string
	}{
		{regexp.MustCompile(`(?i)&nbsp;`), " "},
		{regexp.MustCompile(`(?i)&amp;`), "&"},
		{regexp.MustCompile(`(?i)&lt;`), "<"},
		{regexp.MustCompile(`(?i)&gt;`), ">"},
		{regexp.MustCompile(`(?i)&quot;`), `"`},
		{regexp.MustCompile(`&#39;`), "'"},
	}
)

// bodyMarkers are tried in order; the body is cut to start at the first one
// found so provider preambles are ignored.
var bodyMarkers = []string{"Ref #:", "Job #:"}

// BodyFields is a parsed "Label: value" body, keeping discovery order.
type BodyFields struct {
	Labels []string
	Values map[string]string
}

// Get returns the value stored under label.
func (f BodyFields) Get(label string) (string, bool) {
	v, ok := f.Values[label]
	return v, ok
}

// NormalizeBody converts an event body, plain text or HTML, into plain text
// with "\n" line endings.
func NormalizeBody(raw string) string {
	text := raw
	if htmlMarkerRegex.MatchString(text) {
		text = lineBreakRegex.ReplaceAllString(text, "\n")
		text = tagRegex.ReplaceAllString(text, " ")
		for _, e := range entityReplacements {
			text = e.pattern.ReplaceAllString(text, e.value)
		}
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	for _, marker := range bodyMarkers {
		if idx := strings.Index(text, marker); idx >= 0 {
			text = text[idx:]
			break
		}
	}
	return text
}

// ParseBodyFields normalizes raw and extracts its "Label: value" lines.
// Lines without a colon are ignored; later duplicates overwrite earlier ones.
func ParseBodyFields(raw string) BodyFields {
	fields := BodyFields{Values: make(map[string]string)}

	for _, line := range strings.Split(NormalizeBody(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := fieldLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		label := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])
		if _, seen := fields.Values[label]; !seen {
			fields.Labels = append(fields.Labels, label)
		}
		fields.Values[label] = value
	}
	return fields
}
