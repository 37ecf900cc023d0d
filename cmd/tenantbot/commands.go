package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/tenantbot/internal/config"
	"github.com/kalambet/tenantbot/internal/retrieval"
	"github.com/kalambet/tenantbot/internal/storage"
)

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <tenant> <text>",
	Short: "Enqueue a test message for a tenant",
	Long: `Enqueue a test message through the public intake endpoint.

Examples:
  tenantbot send acme "What are your opening hours?" --user 42
  tenantbot send acme "Hi" --user 42 --platform discord`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		platform, _ := cmd.Flags().GetString("platform")
		if user == "" {
			return fmt.Errorf("--user is required")
		}

		payload := map[string]any{
			"agent_id":  args[0],
			"user_id":   user,
			"text":      strings.Join(args[1:], " "),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"media":     []string{},
		}
		if platform != "" {
			payload["platform"] = platform
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := sendMessage(cmd.Context(), client, payload)
		if err != nil {
			return err
		}
		printSuccess("Queued message %s", id)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("user", "", "platform user id to reply to")
	sendCmd.Flags().String("platform", "", "reply platform (default: server's reply.default_platform)")
}

func sendMessage(ctx context.Context, c *apiClient, payload map[string]any) (string, error) {
	resp, err := c.post(ctx, "/intake", payload)
	if err != nil {
		return "", err
	}
	var result struct {
		Status    string `json:"status"`
		MessageID string `json:"messageId"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result.MessageID, nil
}

// --- kb ---

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage tenant knowledge bases",
}

var kbLoadCmd = &cobra.Command{
	Use:   "load <tenant> <file>",
	Short: "Load a knowledge base from a JSON file",
	Long: `Load a knowledge base from a JSON file.

The file is either {"chunks":[{"content":"...","embedding":[...]}]} with
pre-computed embeddings, or {"texts":["...", "..."]} to embed on the server.
A plain JSON array of strings is treated as texts.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replace, _ := cmd.Flags().GetBool("replace")

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		body, err := parseKnowledgeFile(data)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := loadKnowledge(cmd.Context(), client, args[0], body, replace)
		if err != nil {
			return err
		}
		printSuccess("Loaded %d chunks for %s", n, args[0])
		return nil
	},
}

var kbDeleteCmd = &cobra.Command{
	Use:   "delete <tenant>",
	Short: "Delete a tenant's knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/tenants/"+url.PathEscape(args[0])+"/knowledge")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted knowledge base of %s", args[0])
		return nil
	},
}

var kbCountCmd = &cobra.Command{
	Use:   "count <tenant>",
	Short: "Show the number of chunks in a tenant's knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tenants/"+url.PathEscape(args[0])+"/knowledge/count")
		if err != nil {
			return err
		}
		var result struct {
			Count int `json:"count"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Println(result.Count)
		return nil
	},
}

func init() {
	kbLoadCmd.Flags().Bool("replace", false, "replace the existing knowledge base instead of appending")
	kbCmd.AddCommand(kbLoadCmd)
	kbCmd.AddCommand(kbDeleteCmd)
	kbCmd.AddCommand(kbCountCmd)
}

type knowledgeBody struct {
	Chunks []retrieval.Chunk `json:"chunks,omitempty"`
	Texts  []string          `json:"texts,omitempty"`
}

func parseKnowledgeFile(data []byte) (knowledgeBody, error) {
	var body knowledgeBody
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &body.Texts); err != nil {
			return knowledgeBody{}, fmt.Errorf("invalid knowledge file: %w", err)
		}
	} else if err := json.Unmarshal(data, &body); err != nil {
		return knowledgeBody{}, fmt.Errorf("invalid knowledge file: %w", err)
	}
	if len(body.Chunks) == 0 && len(body.Texts) == 0 {
		return knowledgeBody{}, fmt.Errorf("knowledge file has no chunks or texts")
	}
	return body, nil
}

func loadKnowledge(ctx context.Context, c *apiClient, tenantID string, body knowledgeBody, replace bool) (int, error) {
	path := "/tenants/" + url.PathEscape(tenantID) + "/knowledge"
	if replace {
		path += "?replace=true"
	}
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return 0, err
	}
	var result struct {
		Loaded int `json:"loaded"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result.Loaded, nil
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics <tenant>",
	Short: "Show recent telemetry for a tenant",
	Long: `Show recent telemetry for a tenant, newest first.

Use tenant "_system" for gpu_usage samples.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metricType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		metrics, err := fetchMetrics(cmd.Context(), client, args[0], metricType, limit)
		if err != nil {
			return err
		}
		if len(metrics) == 0 {
			fmt.Println("No metrics found.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, m := range metrics {
			fmt.Fprintf(tw, "%s\t%s\t%g\t%s\n", m.Timestamp.Local().Format(time.DateTime), m.Type, m.Value, m.Details)
		}
		return tw.Flush()
	},
}

func init() {
	metricsCmd.Flags().String("type", "", "metric type (response_time, error, message_count, queue_length, gpu_usage)")
	metricsCmd.Flags().Int("limit", 20, "maximum number of entries")
}

func fetchMetrics(ctx context.Context, c *apiClient, tenantID, metricType string, limit int) ([]storage.Metric, error) {
	q := url.Values{}
	if metricType != "" {
		q.Set("type", metricType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/tenants/" + url.PathEscape(tenantID) + "/metrics"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var metrics []storage.Metric
	if err := decodeJSON(resp, &metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// --- dead letters ---

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect and retry dead-lettered jobs",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if tenant != "" {
			q.Set("tenant", tenant)
		}
		q.Set("limit", fmt.Sprint(limit))
		resp, err := client.get(cmd.Context(), "/dead-letters?"+q.Encode())
		if err != nil {
			return err
		}
		var jobs []deadLetterRow
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		printDeadLetters(os.Stdout, jobs)
		return nil
	},
}

var deadLettersRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Move a dead-lettered job back to its tenant's queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/dead-letters/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Requeued job %s", args[0])
		return nil
	},
}

func init() {
	deadLettersListCmd.Flags().String("tenant", "", "only list jobs of this tenant")
	deadLettersListCmd.Flags().Int("limit", 50, "maximum number of jobs")
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRetryCmd)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// --- tenant ---

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Tenant lifecycle",
}

var tenantStatusCmd = &cobra.Command{
	Use:   "status <tenant>",
	Short: "Show a tenant's queue depth and worker state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tenants/"+url.PathEscape(args[0])+"/queue")
		if err != nil {
			return err
		}
		var result struct {
			Pending int  `json:"pending"`
			Active  bool `json:"active"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printQueueState(result.Pending, result.Active)
		return nil
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <tenant>",
	Short: "Offboard a tenant: stop its worker, cancel pending jobs, delete its knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will cancel all pending messages of %s and delete its knowledge base. Use --confirm to proceed.", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		cancelled, err := deleteTenant(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Offboarded %s (%d pending messages cancelled)", args[0], cancelled)
		return nil
	},
}

func init() {
	tenantDeleteCmd.Flags().Bool("confirm", false, "confirm tenant deletion")
	tenantCmd.AddCommand(tenantStatusCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)
}

func deleteTenant(ctx context.Context, c *apiClient, tenantID string) (int64, error) {
	resp, err := c.delete(ctx, "/tenants/"+url.PathEscape(tenantID))
	if err != nil {
		return 0, err
	}
	var result struct {
		CancelledJobs int64 `json:"cancelled_jobs"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result.CancelledJobs, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value and fall back to the default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// --- secret ---

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Store tokens and credentials in the platform secret store",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Store a secret",
	Long:  "Store a secret. Valid names: " + strings.Join(config.SecretNames(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(config.NewSecretStore(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

var secretTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the admin API bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := config.EnsureAPIToken(config.NewSecretStore())
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretTokenCmd)
}
