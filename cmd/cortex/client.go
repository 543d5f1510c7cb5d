package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cortex/internal/explain"
	"cortex/internal/types"
)

var (
	serverAddr    string
	querySource   string
	queryPriority int
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Submit one query to a running daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]any{
			"text":     strings.Join(args, " "),
			"source":   querySource,
			"priority": queryPriority,
		})
		if err != nil {
			return err
		}

		var rec types.DecisionRecord
		if err := call(http.MethodPost, "/v1/query", body, &rec); err != nil {
			return err
		}

		fmt.Printf("decision %s  outcome=%s\n", rec.ID, rec.Outcome)
		if rec.Intent != nil {
			fmt.Printf("intent   %s/%s target=%s (%.2f via %s)\n",
				rec.Intent.Name, rec.Intent.Category, rec.Intent.Target,
				rec.Intent.Confidence, rec.Intent.ResolvedBy)
		}
		if rec.Response != "" {
			fmt.Printf("response %s\n", rec.Response)
		}
		for _, id := range rec.ActionIDs {
			fmt.Printf("action   %s verdict=%s\n", id, rec.SafetyVerdicts[id])
		}
		return nil
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <decision-id>",
	Short: "Print the causal chain of a decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var chain explain.CausalChain
		if err := call(http.MethodGet, "/v1/decisions/"+args[0]+"/chain", nil, &chain); err != nil {
			return err
		}

		fmt.Printf("decision %s\n", chain.DecisionID)
		for _, step := range chain.Steps {
			fmt.Printf("  %-10s %s\n", step.Stage, step.Detail)
		}
		if len(chain.Knowledge) > 0 {
			fmt.Println("knowledge:")
			for _, item := range chain.Knowledge {
				fmt.Printf("  %s@v%d  %s\n", item.ID, item.Version, item.Content)
			}
		}
		if len(chain.Lineage) > 1 {
			fmt.Println("lineage:")
			for _, rec := range chain.Lineage {
				fmt.Printf("  %s (%s)\n", rec.ID, rec.Outcome)
			}
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{queryCmd, explainCmd} {
		c.Flags().StringVar(&serverAddr, "addr", "", "daemon address, host:port (default from config)")
	}
	queryCmd.Flags().StringVar(&querySource, "source", "operator", "query source")
	queryCmd.Flags().IntVar(&queryPriority, "priority", int(types.PriorityNormal), "query priority 0-10")
}

// call performs one JSON request against the daemon and decodes the reply.
func call(method, path string, body []byte, out any) error {
	addr := serverAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", loadedConfig.Server.Host, loadedConfig.Server.Port)
	}

	req, err := http.NewRequest(method, "http://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon rejected request: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
