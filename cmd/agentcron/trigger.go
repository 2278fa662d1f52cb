package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentcron/internal/httpapi"

	"github.com/spf13/cobra"
)

func newTriggerCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trigger <job>",
		Short: "Fire a job now through a running server's API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := strings.TrimRight(addr, "/")
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			endpoint := base + "/api/jobs/" + url.PathEscape(args[0]) + "/trigger"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var body struct {
				InvocationID string `json:"invocation_id"`
				Error        string `json:"error"`
				Code         string `json:"code"`
			}
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			_ = json.Unmarshal(raw, &body)

			if resp.StatusCode != http.StatusAccepted {
				msg := body.Error
				if msg == "" {
					msg = strings.TrimSpace(string(raw))
				}
				if body.Code != "" {
					return fmt.Errorf("%s (%s, HTTP %d)", msg, body.Code, resp.StatusCode)
				}
				return fmt.Errorf("%s (HTTP %d)", msg, resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), body.InvocationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", httpapi.DefaultAddr, "API address of the running server")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
