package jira

import (
	"encoding/json"
	"strings"
)

type issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields fields `json:"fields"`
}

type fields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"` // ADF on v3, plain text on v2
	Status      *status         `json:"status"`
	Priority    *priority       `json:"priority"`
	Assignee    *user           `json:"assignee"`
	Reporter    *user           `json:"reporter"`
	Labels      []string        `json:"labels"`
	Components  []component     `json:"components"`
	Parent      *parentRef      `json:"parent"`
	Created     string          `json:"created"`
	Updated     string          `json:"updated"`
	Resolved    string          `json:"resolutiondate"`
}

type status struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type priority struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type user struct {
	AccountID    string `json:"accountId"`
	Name         string `json:"name"` // Server/DC only
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

type component struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type parentRef struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type searchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []issue `json:"issues"`
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

// DescriptionToPlainText flattens an Atlassian Document Format body, or returns a v2
// plain-text description as is.
func DescriptionToPlainText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return string(raw)
	}
	var blocks []string
	for _, block := range doc.Content {
		var sb strings.Builder
		writeADF(&sb, block)
		if text := strings.TrimSpace(sb.String()); text != "" {
			blocks = append(blocks, text)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func writeADF(sb *strings.Builder, n adfNode) {
	switch n.Type {
	case "text":
		sb.WriteString(n.Text)
	case "hardBreak":
		sb.WriteString("\n")
	}
	for i, c := range n.Content {
		if n.Type == "bulletList" || n.Type == "orderedList" {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("- ")
		}
		writeADF(sb, c)
	}
}
