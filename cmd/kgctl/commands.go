// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianKG/pkg/ux"
	"github.com/AleutianAI/AleutianKG/services/orchestrator/datatypes"
)

// =============================================================================
// Options
// =============================================================================

const (
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 5 * time.Minute
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	server    string
	sessionID string
	machine   bool
	timeout   time.Duration
}

func (o *globalOptions) client() *kgClient {
	return newKGClient(o.server, o.sessionID, o.timeout)
}

// newRootCmd builds the command tree writing to out and errOut.
//
// # Description
//
// The server URL defaults to KG_SERVER_URL, then http://localhost:8080.
// The session defaults to KG_SESSION_ID; without one the orchestrator
// picks a session and echoes it back.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &globalOptions{}
	printer := ux.NewPrinter(out, errOut, false)

	root := &cobra.Command{
		Use:           "kgctl",
		Short:         "Ingest documents into and search the knowledge graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			printer.Machine = opts.machine
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("KG_SERVER_URL", defaultServer), "Orchestrator base URL")
	root.PersistentFlags().StringVarP(&opts.sessionID, "session", "s", os.Getenv("KG_SESSION_ID"), "Conversation session ID")
	root.PersistentFlags().BoolVar(&opts.machine, "machine", false, "Plain, script-friendly output")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "Request timeout")

	root.AddCommand(
		newIngestCmd(opts, printer),
		newSearchCmd(opts, printer),
		newHistoryCmd(opts, printer),
		newClearCmd(opts, printer),
		newSessionsCmd(opts, printer),
		newLedgerCmd(opts, printer),
	)

	// Errors are printed once here so every command reports the same way.
	for _, cmd := range root.Commands() {
		if cmd.RunE == nil {
			continue
		}
		run := cmd.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			var shown reportedError
			if err != nil && !errors.As(err, &shown) {
				printer.Error(err.Error())
			}
			return err
		}
	}
	return root
}

// =============================================================================
// Commands
// =============================================================================

func newIngestCmd(opts *globalOptions, printer *ux.Printer) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest documents into the knowledge graph",
		Long:  "Uploads each file to the orchestrator, which converts it to text and extracts nodes, metadata, and relationships.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Ingest(cmd.Context(), args, model)
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range resp.Results {
				if r.Status == datatypes.StatusSuccess {
					printer.FileStatus(r.FileProcessed, ux.IconSuccess, "")
					continue
				}
				failed++
				printer.FileStatus(r.FileProcessed, ux.IconError, r.Error)
			}
			printer.Summary(len(resp.Results)-failed, failed)
			if failed == 0 {
				return nil
			}
			err = fmt.Errorf("%d of %d files failed to ingest", failed, len(resp.Results))
			if failed < len(resp.Results) {
				printer.Warning(err.Error())
				return reportedError{err}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Override the model used for extraction")
	return cmd
}

func newSearchCmd(opts *globalOptions, printer *ux.Printer) *cobra.Command {
	var (
		params   searchParams
		noStream bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the knowledge graph",
		Long:  "Asks a question against the knowledge graph. The answer streams token by token unless --no-stream is set.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			client := opts.client()

			if noStream {
				resp, err := client.Search(cmd.Context(), query, params)
				if err != nil {
					return err
				}
				printSearchResponse(printer, resp)
				return nil
			}

			body, err := client.SearchStream(cmd.Context(), query, params)
			if err != nil {
				return err
			}
			defer body.Close()

			_, err = printer.RenderStream(body)
			return err
		},
	}
	cmd.Flags().StringVarP(&params.searchType, "type", "t", "", "Search type: focused, detailed, or timeline")
	cmd.Flags().StringSliceVar(&params.docTypes, "doc-type", nil, "Restrict to document types (repeatable)")
	cmd.Flags().BoolVar(&params.includeRelationships, "relationships", false, "Include relationships in the search")
	cmd.Flags().StringVar(&params.model, "model", "", "Override the model for this search")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the full answer instead of streaming")
	return cmd
}

func printSearchResponse(printer *ux.Printer, resp *datatypes.SearchResponse) {
	printer.Info(resp.Answer)
	for _, c := range resp.Citations {
		printer.Info(fmt.Sprintf("%s %s", ux.IconArrow, citationLine(c)))
	}
	if resp.SessionID != "" && !printer.Machine {
		printer.Info("session: " + resp.SessionID)
	}
}

func citationLine(c datatypes.Citation) string {
	var parts []string
	for _, f := range []*string{c.Document, c.Date, c.Section} {
		if f != nil && *f != "" {
			parts = append(parts, *f)
		}
	}
	return strings.Join(parts, " | ")
}

func newHistoryCmd(opts *globalOptions, printer *ux.Printer) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the conversation history of the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().History(cmd.Context())
			if err != nil {
				return err
			}
			if resp.History == "" {
				printer.Info("No conversation history for session " + resp.SessionID)
				return nil
			}
			printer.Box("Session "+resp.SessionID, resp.History)
			return nil
		},
	}
}

func newClearCmd(opts *globalOptions, printer *ux.Printer) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the conversation memory of the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Clear(cmd.Context())
			if err != nil {
				return err
			}
			printer.Success(resp.Message)
			return nil
		},
	}
}

func newSessionsCmd(opts *globalOptions, printer *ux.Printer) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live conversation sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Sessions(cmd.Context())
			if err != nil {
				return err
			}
			printer.Title(fmt.Sprintf("%d sessions", resp.Count))
			for _, s := range resp.Sessions {
				printer.Info(fmt.Sprintf("%s\t%d/%d turns\tlast used %s",
					s.ID, s.Turns, s.Capacity, s.LastAccess.Format(time.RFC3339)))
			}
			return nil
		},
	}
}

func newLedgerCmd(opts *globalOptions, printer *ux.Printer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List recent document ingestions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Ledger(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range resp.Entries {
				icon := ux.IconSuccess
				if e.Status != datatypes.StatusSuccess {
					icon = ux.IconError
				}
				printer.FileStatus(e.File, icon, e.IngestedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	return cmd
}

// reportedError is an error the command already showed to the user. It
// still sets a non-zero exit status.
type reportedError struct{ error }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
