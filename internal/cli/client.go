package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// operatorClient talks HTTP to a running agent over its unix socket.
type operatorClient struct {
	http *http.Client
}

func newOperatorClient(socketPath string) *operatorClient {
	return &operatorClient{
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *operatorClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://octoreflex"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *operatorClient) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://octoreflex"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *operatorClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, data)
		}
	}
	return nil
}

// processView mirrors the agent's record snapshot JSON.
type processView struct {
	PID                uint32    `json:"pid"`
	StartTime          uint64    `json:"start_time"`
	State              string    `json:"state"`
	Score              float64   `json:"score"`
	EnteredStateAt     time.Time `json:"entered_state_at"`
	EscalationCount    int       `json:"escalation_count"`
	EnforcementPending bool      `json:"enforcement_pending"`
}

type overrideResult struct {
	Result string `json:"result"`
	PID    uint32 `json:"pid"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [pid]",
		Short: "Show containment state of tracked processes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newOperatorClient(socketPath(cmd))
			if len(args) == 1 {
				var v processView
				if err := client.get(cmd.Context(), "/v1/processes/"+args[0], &v); err != nil {
					return err
				}
				return printViews(cmd.OutOrStdout(), []processView{v}, asJSON)
			}
			var views []processView
			if err := client.get(cmd.Context(), "/v1/processes", &views); err != nil {
				return err
			}
			return printViews(cmd.OutOrStdout(), views, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func printViews(w io.Writer, views []processView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tSTATE\tSCORE\tESCALATIONS\tPENDING\tSINCE")
	for _, v := range views {
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%d\t%v\t%s\n",
			v.PID, v.State, v.Score, v.EscalationCount, v.EnforcementPending,
			v.EnteredStateAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newPinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin <pid> <state>",
		Short: "Pin a process to a containment state (budget-checked)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newOperatorClient(socketPath(cmd))
			var res overrideResult
			err := client.post(cmd.Context(),
				"/v1/processes/"+args[0]+"/pin",
				map[string]string{"state": args[1]}, &res)
			if err != nil {
				return err
			}
			return printOverride(cmd.OutOrStdout(), res)
		},
	}
	return cmd
}

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <pid>",
		Short: "Reset a process to MONITORING (free, clears enforcement)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newOperatorClient(socketPath(cmd))
			var res overrideResult
			err := client.post(cmd.Context(), "/v1/processes/"+args[0]+"/reset", nil, &res)
			if err != nil {
				return err
			}
			return printOverride(cmd.OutOrStdout(), res)
		},
	}
	return cmd
}

func printOverride(w io.Writer, res overrideResult) error {
	if res.Error != "" {
		fmt.Fprintf(w, "%s: pid=%d state=%s (%s)\n", res.Result, res.PID, res.State, res.Error)
	} else {
		fmt.Fprintf(w, "%s: pid=%d state=%s\n", res.Result, res.PID, res.State)
	}
	if res.Result != "ack" {
		return fmt.Errorf("override not acknowledged: %s", res.Result)
	}
	return nil
}
