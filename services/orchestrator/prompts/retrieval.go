// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompts renders the agent prompts for retrieval and ingestion.
package prompts

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
)

// RetrievalParams are the inputs shared by every retrieval prompt.
type RetrievalParams struct {
	Query                string
	DocTypes             []string
	IncludeRelationships bool
}

func (p RetrievalParams) typeFilter() string {
	if len(p.DocTypes) == 0 {
		return ""
	}
	return " within " + strings.Join(p.DocTypes, ", ")
}

type retrievalData struct {
	Query         string
	TypeFilter    string
	Relationships bool
}

const greetingTemplate = `This appears to be a greeting or introduction:

{{.Query}}

Instructions:
1. Do NOT call search_nodes, search_facts or any other knowledge retrieval tool
2. Reply to the greeting in a friendly way and introduce yourself as the knowledge assistant
3. Offer to help without using external data

Response Format:
Answer: [A friendly greeting followed by a one-line introduction]

Rules:
1. Never use knowledge retrieval tools for greetings
2. Keep the reply short
3. Do not guess what the user needs
`

const focusedTemplate = `Find specific information{{.TypeFilter}} about:

{{.Query}}

Instructions:
1. Use search_nodes to find ONLY the information that answers the query
2. If the query is about conversation history, use ONLY the most recent relevant interaction
3. Otherwise use ONLY the most recent relevant information in the knowledge graph
{{- if .Relationships}}
4. Use search_facts when the answer depends on a relationship between entities
{{- end}}

Response Rules:
- Location queries: the current location only
- Date queries: the specific date only
- Status queries: the current status only
- Numerical queries: the number or value only
- Name queries: the name only
- Conversation history: the exact last query or response only

Format your response EXACTLY as:
Answer: [One sentence with ONLY the requested information]
Source: [Document Name | Date | Section]

Example:
Query: "What is Alex's role?"
Answer: Alex Johnson is a Software Engineer at TechCorp.
Source: [Employee_Profile | 2024-02-15 | Current Role]

Rules:
1. Never add context, explanations or qualifiers
2. Never combine information from several sources
3. Never assume facts that the tools did not return
4. Use ONLY the single most recent relevant source
5. If nothing is found, answer "No information found for this query"
`

const detailedTemplate = `Search for comprehensive information{{.TypeFilter}} about:

{{.Query}}

Instructions:
- Use search_nodes to find all relevant information
{{- if .Relationships}}
- Use search_facts to find relationships between the pieces of information
{{- end}}
- Extract the key insights and details
- For every piece of information, keep the exact source from the tool result and name the tool that returned it

Format your response as:
Answer: A detailed, well-structured response

Sources:
From search_nodes:
- [Exact source details]
{{- if .Relationships}}

From search_facts:
- [Exact relationship and source details]
{{- end}}

Important:
- Only use information and sources the tools returned
- Do not infer or invent source details
`

const timelineTemplate = `Search for chronological information{{.TypeFilter}} about:

{{.Query}}

Instructions:
1. Use search_nodes to find time-based information
2. Sort the events chronologically, earliest first
3. For every event include the exact source from search_nodes and any temporal relationship from search_facts

Format your response as:
Timeline:
[Date/Time] Event
Source: [Exact source details]

Important:
- Only include dated information
- Do not infer or invent source details
`

var (
	greetingPrompt = template.Must(template.New("greeting").Parse(greetingTemplate))
	focusedPrompt  = template.Must(template.New("focused").Parse(focusedTemplate))
	detailedPrompt = template.Must(template.New("detailed").Parse(detailedTemplate))
	timelinePrompt = template.Must(template.New("timeline").Parse(timelineTemplate))
)

var greetingPhrases = []string{"hi", "hello", "hey", "greetings", "howdy", "how are you", "what's up", "whats up"}

// IsGreeting reports whether query contains a greeting phrase as whole words.
func IsGreeting(query string) bool {
	normalized := " " + strings.Join(strings.FieldsFunc(strings.ToLower(query), isSeparator), " ") + " "
	for _, phrase := range greetingPhrases {
		if strings.Contains(normalized, " "+phrase+" ") {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
		return false
	default:
		return r < 0x80
	}
}

// Focused renders the concise single-source prompt, or the greeting prompt
// when the query is a greeting.
func Focused(p RetrievalParams) string {
	if IsGreeting(p.Query) {
		return render(greetingPrompt, p)
	}
	return render(focusedPrompt, p)
}

// Detailed renders the comprehensive prompt. Relationship search is part of
// the prompt when p.IncludeRelationships is set.
func Detailed(p RetrievalParams) string {
	return render(detailedPrompt, p)
}

// Timeline renders the chronological prompt.
func Timeline(p RetrievalParams) string {
	return render(timelinePrompt, p)
}

// ForSearchType selects the prompt variant for st.
func ForSearchType(st datatypes.SearchType, p RetrievalParams) string {
	switch st {
	case datatypes.SearchDetailed:
		return Detailed(p)
	case datatypes.SearchTimeline:
		return Timeline(p)
	default:
		return Focused(p)
	}
}

// WithHistory prefixes prompt with the rendered conversation history.
// An empty history leaves only the separating newline.
func WithHistory(history, prompt string) string {
	if history == "" {
		return "\n" + prompt
	}
	return "\nPrevious conversation context:\n" + history + "\n\n" + prompt
}

func render(tmpl *template.Template, p RetrievalParams) string {
	var buf bytes.Buffer
	data := retrievalData{
		Query:         p.Query,
		TypeFilter:    p.typeFilter(),
		Relationships: p.IncludeRelationships,
	}
	// The templates are fixed and only reference fields of retrievalData.
	_ = tmpl.Execute(&buf, data)
	return buf.String()
}
