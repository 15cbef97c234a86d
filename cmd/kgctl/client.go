// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianKG/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
)

// sessionHeader carries the conversation session on every request.
const sessionHeader = "X-Session-ID"

// kgClient talks to the orchestrator HTTP API.
type kgClient struct {
	baseURL   string
	sessionID string
	http      *http.Client
}

func newKGClient(baseURL, sessionID string, timeout time.Duration) *kgClient {
	return &kgClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		http:      &http.Client{Timeout: timeout},
	}
}

// searchParams are the optional query parameters of a search.
type searchParams struct {
	searchType           string
	docTypes             []string
	includeRelationships bool
	model                string
}

func (p searchParams) values(query string) url.Values {
	v := url.Values{}
	v.Set("query", query)
	if p.searchType != "" {
		v.Set("search_type", p.searchType)
	}
	for _, dt := range p.docTypes {
		v.Add("doc_types", dt)
	}
	if p.includeRelationships {
		v.Set("include_relationships", "true")
	}
	if p.model != "" {
		v.Set("model", p.model)
	}
	return v
}

// SearchStream opens a streaming search. The caller closes the body.
func (c *kgClient) SearchStream(ctx context.Context, query string, params searchParams) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/retrieve/search/stream?"+params.values(query).Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Search runs a blocking search.
func (c *kgClient) Search(ctx context.Context, query string, params searchParams) (*datatypes.SearchResponse, error) {
	var out datatypes.SearchResponse
	if err := c.getJSON(ctx, "/retrieve/search?"+params.values(query).Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches the session's rendered conversation.
func (c *kgClient) History(ctx context.Context) (*datatypes.ConversationHistoryResponse, error) {
	var out datatypes.ConversationHistoryResponse
	if err := c.getJSON(ctx, "/retrieve/conversation/history", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clear empties the session's memory.
func (c *kgClient) Clear(ctx context.Context) (*datatypes.ConversationClearResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/retrieve/conversation/clear", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out datatypes.ConversationClearResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode clear response: %w", err)
	}
	return &out, nil
}

type sessionsResponse struct {
	Count    int                        `json:"count"`
	Sessions []conversation.SessionInfo `json:"sessions"`
}

// Sessions lists live sessions.
func (c *kgClient) Sessions(ctx context.Context) (*sessionsResponse, error) {
	var out sessionsResponse
	if err := c.getJSON(ctx, "/retrieve/sessions", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type ledgerResponse struct {
	Count   int                     `json:"count"`
	Entries []datatypes.LedgerEntry `json:"entries"`
}

// Ledger lists recent ingestions.
func (c *kgClient) Ledger(ctx context.Context, limit int) (*ledgerResponse, error) {
	var out ledgerResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/ingest/documents?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ingest uploads files as one batch.
func (c *kgClient) Ingest(ctx context.Context, paths []string, model string) (*datatypes.BatchIngestResponse, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, path := range paths {
		if err := addFile(mw, path); err != nil {
			return nil, err
		}
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/ingest/batch", body, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out datatypes.BatchIngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ingest response: %w", err)
	}
	return &out, nil
}

func addFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func (c *kgClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends a request and turns non-2xx responses into errors carrying the
// server's error message.
func (c *kgClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator unreachable at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var errResp datatypes.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		return nil, fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, errResp.Error)
	}
	return nil, fmt.Errorf("orchestrator returned %d", resp.StatusCode)
}
