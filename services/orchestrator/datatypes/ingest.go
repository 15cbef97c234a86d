// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// NoSummaryAvailable is the summary used when document processing produced
// no assistant message.
const NoSummaryAvailable = "No summary available"

// IngestResult is the outcome of ingesting one document.
//
// # Description
//
// Status is StatusSuccess or StatusError. FileProcessed echoes the path
// the agent was pointed at. On success Summary holds the last assistant
// message of the processing step, or NoSummaryAvailable; on error Error
// holds the message.
type IngestResult struct {
	Status        string `json:"status"`
	Summary       string `json:"summary,omitempty"`
	FileProcessed string `json:"file_processed"`
	Error         string `json:"error,omitempty"`
}

// BatchIngestResponse wraps the per-file results of a batch upload.
type BatchIngestResponse struct {
	Status  string         `json:"status"`
	Results []IngestResult `json:"results"`
}

// LedgerEntry is one persisted ingestion outcome.
type LedgerEntry struct {
	ID         string    `json:"id"`
	File       string    `json:"file"`
	Status     string    `json:"status"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}
