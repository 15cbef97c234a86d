// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestSplitCitation(t *testing.T) {
	answer, cite, found := SplitCitation("Answer: X\nSource: [Doc A | 2024-01-01 | Sec 1]")
	require.True(t, found)
	assert.Equal(t, "X", answer)
	assert.Equal(t, " [Doc A | 2024-01-01 | Sec 1]", cite)

	answer, _, found = SplitCitation("Just an answer")
	assert.False(t, found)
	assert.Equal(t, "Just an answer", answer)

	_, cite, found = SplitCitation("A\nSource: [one]\nSource: [two]")
	require.True(t, found)
	assert.Equal(t, " [one]\nSource: [two]", cite)
}

func TestParseCitation_ThreeFields(t *testing.T) {
	c, anomaly := ParseCitation(" [Doc A | 2024-01-01 | Sec 1]")
	assert.Nil(t, anomaly)
	assert.Equal(t, strPtr("Doc A"), c.Document)
	assert.Equal(t, strPtr("2024-01-01"), c.Date)
	assert.Equal(t, strPtr("Sec 1"), c.Section)
}

func TestParseCitation_OneField(t *testing.T) {
	c, anomaly := ParseCitation(" [Doc A]")
	assert.Nil(t, anomaly)
	assert.Equal(t, strPtr("Doc A"), c.Document)
	assert.Nil(t, c.Date)
	assert.Nil(t, c.Section)
}

func TestParseCitation_EmptyFieldIsNil(t *testing.T) {
	c, anomaly := ParseCitation("[Doc A |  | Intro]")
	assert.Nil(t, anomaly)
	assert.Nil(t, c.Date)
	assert.Equal(t, strPtr("Intro"), c.Section)
}

func TestParseCitation_Anomalies(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantDoc *string
	}{
		{"empty", "   ", nil},
		{"unbracketed", " Doc A | 2024", strPtr("Doc A")},
		{"too many fields", "[a|b|c|d]", strPtr("a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, anomaly := ParseCitation(tt.input)
			require.NotNil(t, anomaly)
			assert.NotEmpty(t, anomaly.Error())
			assert.Equal(t, tt.wantDoc, c.Document)
		})
	}
}

func TestParseCitation_OnlyFirstLine(t *testing.T) {
	c, anomaly := ParseCitation("\n[Doc1|2024-01-01|Intro]\nTrailing text")
	assert.Nil(t, anomaly)
	assert.Equal(t, strPtr("Intro"), c.Section)
}

func TestStripAnswerPrefix(t *testing.T) {
	assert.Equal(t, "Paris", StripAnswerPrefix("  Answer:  Paris "))
	assert.Equal(t, "Paris", StripAnswerPrefix("Paris"))
	assert.Equal(t, "", StripAnswerPrefix("Answer:"))
}
