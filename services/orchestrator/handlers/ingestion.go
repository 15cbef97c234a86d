// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/services"
)

const (
	// MaxBatchFiles bounds the number of files in one batch ingestion.
	MaxBatchFiles = 25

	defaultLedgerLimit = 100
	maxLedgerLimit     = 1000
)

// DocumentIngestor is the subset of *services.Ingestor the handlers use.
type DocumentIngestor interface {
	ProcessDocument(ctx context.Context, filePath string, opts ...services.IngestOption) (datatypes.IngestResult, error)
	Close() error
}

// IngestorFactory creates one ingestor per request. The handler closes it
// when the request is done.
type IngestorFactory func() DocumentIngestor

// LedgerLister lists recorded ingestions, newest first.
type LedgerLister interface {
	List(limit int) ([]datatypes.LedgerEntry, error)
}

// HandleIngestDocument ingests one uploaded file.
//
// # Description
//
// Saves the multipart "file" field to a temporary file that keeps the
// upload's extension, runs ProcessDocument with a fresh ingestor, then
// removes the temporary file. An optional "model" form field overrides the
// configured model.
//
// # Outputs
//
//   - 200 with an IngestResult on success.
//   - 400 when no file was uploaded.
//   - 500 (or 502 for tool-server failures) with an IngestResult whose
//     status is "error".
func HandleIngestDocument(newIngestor IngestorFactory) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "multipart field 'file' is required", "")
			return
		}

		ing := newIngestor()
		defer closeIngestor(ing)

		result, err := ingestUpload(c, ing, fh)
		if err != nil {
			c.JSON(statusFor(err), result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandleIngestBatch ingests every file of the multipart "files" field with
// one shared ingestor. Per-file failures are reported in the results.
func HandleIngestBatch(newIngestor IngestorFactory) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "multipart form required", "")
			return
		}
		files := append(form.File["files"], form.File["files[]"]...)
		if len(files) == 0 {
			abortWithError(c, http.StatusBadRequest, "multipart field 'files' is required", "")
			return
		}
		if len(files) > MaxBatchFiles {
			abortWithError(c, http.StatusBadRequest,
				fmt.Sprintf("too many files: %d (max %d)", len(files), MaxBatchFiles), "")
			return
		}

		ing := newIngestor()
		defer closeIngestor(ing)

		results := make([]datatypes.IngestResult, 0, len(files))
		for _, fh := range files {
			result, _ := ingestUpload(c, ing, fh)
			results = append(results, result)
		}
		c.JSON(http.StatusOK, datatypes.BatchIngestResponse{
			Status:  datatypes.StatusSuccess,
			Results: results,
		})
	}
}

// HandleListIngestions returns the most recent ledger entries. The
// optional "limit" parameter defaults to 100.
func HandleListIngestions(ledger LedgerLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultLedgerLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxLedgerLimit {
				abortWithError(c, http.StatusBadRequest,
					fmt.Sprintf("limit must be between 1 and %d", maxLedgerLimit), "")
				return
			}
			limit = n
		}

		entries, err := ledger.List(limit)
		if err != nil {
			slog.Error("Failed to list ingestion ledger", "error", err)
			abortWithError(c, http.StatusInternalServerError, "failed to read ingestion ledger", "")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  datatypes.StatusSuccess,
			"count":   len(entries),
			"entries": entries,
		})
	}
}

// ingestUpload stores fh in a temporary file and processes it. The
// result's FileProcessed is the uploaded file name.
func ingestUpload(c *gin.Context, ing DocumentIngestor, fh *multipart.FileHeader) (datatypes.IngestResult, error) {
	path, err := saveUpload(c, fh)
	if err != nil {
		slog.Error("Failed to store upload", "file", fh.Filename, "error", err)
		return datatypes.IngestResult{
			Status:        datatypes.StatusError,
			FileProcessed: fh.Filename,
			Error:         "failed to store upload",
		}, err
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to remove temporary upload", "path", path, "error", err)
		}
	}()

	opts := []services.IngestOption{services.WithLabel(fh.Filename)}
	if model := c.PostForm("model"); model != "" {
		opts = append(opts, services.WithModel(model))
	}
	result, err := ing.ProcessDocument(c.Request.Context(), path, opts...)
	result.FileProcessed = fh.Filename
	return result, err
}

// saveUpload writes fh to a new temporary file with the same extension so
// the processing prompt can infer the document type.
func saveUpload(c *gin.Context, fh *multipart.FileHeader) (string, error) {
	tmp, err := os.CreateTemp("", "kg-upload-*"+filepath.Ext(fh.Filename))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := c.SaveUploadedFile(fh, path); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

func closeIngestor(ing DocumentIngestor) {
	if err := ing.Close(); err != nil {
		slog.Warn("Failed to close ingestor", "error", err)
	}
}
