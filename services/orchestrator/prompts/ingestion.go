// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompts

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
	"text/template"
)

const processingTemplate = `Process this document and store its key information:

File: {{.Path}}
Type: {{.MimeType}}

Instructions:
1. Use the MarkItDown tools that fit the file type to convert the document
2. Extract ONLY relevant information and insights
3. Store the processed content with add_episode
{{- if .ExtractMetadata}}
4. Extract and store document metadata (author, date, version)
{{- end}}

Focus on:
- Key facts and data points
- Important statements
- Numerical values
- Dates and timestamps
- Names, entities and locations
- Status information

Do NOT store:
- Formatting details
- Redundant or generic content
- Boilerplate text
{{- if eq .Kind "pdf"}}

PDF:
- Extract text from every page
- Process tables and structured data
- Use OCR on embedded images when needed
{{- else if eq .Kind "image"}}

Image:
- Use OCR to extract text
- Process visible data, charts and diagrams
{{- else if eq .Kind "spreadsheet"}}

Spreadsheet:
- Process every relevant sheet
- Extract tabular data and keep the relationships between columns
- Resolve formulas to their calculated values
{{- end}}
`

const metadataTemplate = `Extract and structure the metadata of the document just processed.

Focus on:
1. Document properties: title, authors, creation date, last modified date, version
2. Content metadata: document type, language, topic categories, keywords
3. Technical metadata: file format, size, encoding, processing status

Keep the format consistent and include only information that is present.
Do NOT guess missing metadata.
`

const relationshipTemplate = `Analyze and establish relationships for document {{.}}:

Instructions:
1. Use search_facts to find related documents
2. Identify key relationships:
   - Parent and child documents
   - Referenced documents
   - Similar topics or content
   - Temporal relationships
   - Dependencies
3. Create relationship links with appropriate types and metadata, bidirectional where it applies
4. Validate the links: no circular references, only confirmed relationships
`

var (
	processingPrompt   = template.Must(template.New("processing").Parse(processingTemplate))
	relationshipPrompt = template.Must(template.New("relationship").Parse(relationshipTemplate))
)

// UnknownMimeType is reported when the type cannot be guessed from the extension.
const UnknownMimeType = "unknown"

// GuessMimeType maps a file path to a MIME type by extension.
func GuessMimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return UnknownMimeType
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if base, _, err := mime.ParseMediaType(t); err == nil {
			return base
		}
		return t
	}
	if t, ok := extraMimeTypes[ext]; ok {
		return t
	}
	return UnknownMimeType
}

// extraMimeTypes covers office formats missing from minimal system MIME tables.
var extraMimeTypes = map[string]string{
	".md":   "text/markdown",
	".csv":  "text/csv",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

func documentKind(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "pdf"):
		return "pdf"
	case strings.Contains(mimeType, "image"):
		return "image"
	case strings.Contains(mimeType, "spreadsheet"), strings.Contains(mimeType, "excel"):
		return "spreadsheet"
	default:
		return ""
	}
}

// DocumentProcessing renders the type-aware processing prompt for path.
// An empty mimeType is guessed from the extension.
func DocumentProcessing(path, mimeType string, extractMetadata bool) string {
	if mimeType == "" {
		mimeType = GuessMimeType(path)
	}
	var buf bytes.Buffer
	_ = processingPrompt.Execute(&buf, struct {
		Path            string
		MimeType        string
		Kind            string
		ExtractMetadata bool
	}{path, mimeType, documentKind(mimeType), extractMetadata})
	return buf.String()
}

// MetadataExtraction renders the metadata extraction prompt.
func MetadataExtraction() string {
	return metadataTemplate
}

// Relationship renders the relationship prompt for the document identified by docID.
func Relationship(docID string) string {
	var buf bytes.Buffer
	_ = relationshipPrompt.Execute(&buf, docID)
	return buf.String()
}
