// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"strings"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
)

const (
	// citationMarker separates the answer from its source reference.
	citationMarker = "\nSource:"

	answerPrefix = "Answer:"
)

// SplitCitation splits a response on the first citation marker.
//
// # Description
//
// The text before "\nSource:" is the answer, with any leading "Answer:"
// label removed and whitespace trimmed. The text after it is returned raw
// for ParseCitation. found is false when the marker is absent, in which
// case answer is the whole cleaned response.
//
// # Examples
//
//	SplitCitation("Answer: Paris\nSource: [Doc1|2024-01-01|Intro]")
//	// "Paris", " [Doc1|2024-01-01|Intro]", true
func SplitCitation(response string) (answer, citation string, found bool) {
	before, after, found := strings.Cut(response, citationMarker)
	return StripAnswerPrefix(before), after, found
}

// StripAnswerPrefix trims whitespace and a leading "Answer:" label.
func StripAnswerPrefix(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, answerPrefix) {
		s = strings.TrimSpace(strings.TrimPrefix(s, answerPrefix))
	}
	return s
}

// ParseCitation parses the text after a citation marker.
//
// # Description
//
// Only the first non-empty line is considered. Surrounding brackets are
// stripped and the remainder split on "|". Fields are trimmed; missing or
// empty fields are nil. Malformed input still yields whatever fields could
// be read, together with a *ParseAnomaly.
//
// # Outputs
//
//   - datatypes.Citation: Parsed fields, possibly all nil.
//   - *ParseAnomaly: Non-nil when the text is empty, unbracketed, or has
//     more than three fields (extra fields are dropped).
func ParseCitation(text string) (datatypes.Citation, *ParseAnomaly) {
	line := firstLine(text)
	if line == "" {
		return datatypes.Citation{}, &ParseAnomaly{Input: text, Reason: "empty citation"}
	}

	var anomaly *ParseAnomaly
	bracketed := strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]")
	if !bracketed {
		anomaly = &ParseAnomaly{Input: text, Reason: "citation is not enclosed in brackets"}
	}
	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))

	parts := strings.Split(inner, "|")
	if len(parts) > 3 {
		anomaly = &ParseAnomaly{Input: text, Reason: "citation has more than three fields"}
	}

	var fields [3]*string
	for i := 0; i < len(parts) && i < 3; i++ {
		if v := strings.TrimSpace(parts[i]); v != "" {
			fields[i] = &v
		}
	}
	return datatypes.Citation{Document: fields[0], Date: fields[1], Section: fields[2]}, anomaly
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}
