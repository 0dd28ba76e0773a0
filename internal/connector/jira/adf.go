package jira

import (
	"strings"

	"github.com/zulandar/pulse/internal/signal"
)

// adfNode is one node of an Atlassian Document Format tree.
type adfNode struct {
	Type    string                 `json:"type"`
	Text    string                 `json:"text"`
	Attrs   map[string]interface{} `json:"attrs"`
	Content []adfNode              `json:"content"`
}

// blockTypes end with a line break.
var blockTypes = map[string]bool{
	"paragraph": true, "heading": true, "listItem": true, "tableCell": true, "tableHeader": true, "codeBlock": true,
}

// PlainText flattens an ADF document to whitespace-normalized text capped
// at maxLen characters.
func PlainText(doc *adfNode, maxLen int) string {
	if doc == nil {
		return ""
	}
	var b strings.Builder
	walkADF(doc, &b)
	out := strings.Join(strings.Fields(b.String()), " ")
	if maxLen > 0 {
		out = signal.Truncate(out, maxLen)
	}
	return out
}

func walkADF(n *adfNode, b *strings.Builder) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	case "mention":
		b.WriteString(attr(n, "text", "id"))
		return
	case "emoji":
		b.WriteString(attr(n, "shortName"))
		return
	}
	for i := range n.Content {
		walkADF(&n.Content[i], b)
	}
	if blockTypes[n.Type] && len(n.Content) > 0 {
		b.WriteString("\n")
	}
}

func attr(n *adfNode, keys ...string) string {
	for _, k := range keys {
		if v, ok := n.Attrs[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
