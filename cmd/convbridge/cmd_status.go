// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/convbridge/pkg/ux"
	"github.com/AleutianAI/convbridge/services/bridge/tools"
)

const defaultStatusURL = "http://127.0.0.1:12310"

type statusOptions struct {
	url   string
	token string
	raw   bool
}

func newStatusCmd() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show breaker, token and conversation status of a running HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			st, err := fetchStatus(ctx, http.DefaultClient, opts)
			if err != nil {
				return err
			}
			if opts.raw {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", defaultStatusURL, "Base URL of the convbridge HTTP server")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("CONVBRIDGE_AUTH_TOKEN"),
		"Bearer token (default $CONVBRIDGE_AUTH_TOKEN)")
	cmd.Flags().BoolVar(&opts.raw, "json", false, "Print the raw JSON status")
	return cmd
}

// fetchStatus reads /v1/status. A 503 still carries a status body and is
// not an error.
func fetchStatus(ctx context.Context, client *http.Client, opts *statusOptions) (tools.Status, error) {
	var st tools.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(opts.url, "/")+"/v1/status", nil)
	if err != nil {
		return st, err
	}
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return st, fmt.Errorf("failed to reach convbridge at %s: %w", opts.url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable:
	case http.StatusUnauthorized:
		return st, fmt.Errorf("unauthorized: pass --token or set CONVBRIDGE_AUTH_TOKEN")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return st, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func renderStatus(st tools.Status) string {
	health := ux.IconSuccess.Render() + " healthy"
	if !st.Healthy {
		health = ux.IconError.Render() + " degraded"
	}

	var blocks []string
	blocks = append(blocks, ux.Styles.Title.Render("convbridge")+"  "+health+"  "+
		ux.Styles.Muted.Render("up "+st.Uptime))

	breakers := ux.NewPanel("Circuit breakers")
	for _, b := range st.Breakers {
		breakers.Row(b.Name, fmt.Sprintf("%s %-9s failures=%d rejections=%d window=%d",
			ux.BreakerIcon(b.State).Render(), b.State, b.FailureCount, b.RejectionCount, b.WindowFailures))
	}
	blocks = append(blocks, breakers.Render())

	if st.Tokens != nil {
		blocks = append(blocks, ux.NewPanel("Token cache").
			Row("entries", st.Tokens.Entries).
			Row("hits / misses", fmt.Sprintf("%d / %d", st.Tokens.Hits, st.Tokens.Misses)).
			Row("generations", fmt.Sprintf("%d ok, %d failed", st.Tokens.GenerateSuccesses, st.Tokens.GenerateFailures)).
			Row("refreshes", fmt.Sprintf("%d ok, %d failed", st.Tokens.ProactiveRefreshes, st.Tokens.RefreshFailures)).
			Render())
	}

	c := st.Conversations
	blocks = append(blocks, ux.NewPanel("Conversations").
		Row("active", c.Active).
		Row("created", c.Created).
		Row("ended / expired", fmt.Sprintf("%d / %d", c.Ended, c.Expired)).
		Row("average lifetime", (time.Duration(c.AverageLifetimeSeconds * float64(time.Second))).Round(time.Second)).
		Render())

	return strings.Join(blocks, "\n")
}
