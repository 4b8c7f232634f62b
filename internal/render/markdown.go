package render

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

// MarkdownTable builds a GitHub-style table. Pipes and backslashes in cells are
// escaped so values cannot break the layout.
func MarkdownTable(cols []string, rows [][]string) string {
	if len(cols) == 0 {
		return ""
	}
	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for _, c := range cells {
			b.WriteString(" ")
			b.WriteString(cellEscaper.Replace(c))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	writeRow(cols)
	b.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")
	for _, r := range rows {
		writeRow(r)
	}
	return b.String()
}

var cellEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, "\r", " ", "\n", " ")

// RenderToHTML converts markdown text to sanitized HTML.
// Record values come from untrusted files, so the blackfriday output always goes
// through bluemonday before it is served.
func RenderToHTML(markdown string) string {
	unsafeHTML := blackfriday.Run(
		[]byte(markdown),
		blackfriday.WithExtensions(
			blackfriday.CommonExtensions|
				blackfriday.AutoHeadingIDs,
		),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("table", "code", "pre", "span")

	return string(policy.SanitizeBytes(unsafeHTML))
}
