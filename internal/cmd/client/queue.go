// Package client contains Cobra CLI commands for Courier.
package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// NewQueueCommand constructs the `queue` command group and subcommands.
func NewQueueCommand(apiURL func() string) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Queue operations (enqueue, stats, list)",
	}
	queueCmd.AddCommand(
		newQueueListCommand(apiURL),
		newQueueEnqueueCommand(apiURL),
		newQueueStatsCommand(apiURL),
	)
	return queueCmd
}

func newQueueListCommand(apiURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := callAPI(cmd.Context(), http.MethodGet, apiURL()+"/v1/queues", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

func newQueueEnqueueCommand(apiURL func() string) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			msgType, _ := cmd.Flags().GetString("type")
			payload, _ := cmd.Flags().GetString("payload")
			priority, _ := cmd.Flags().GetString("priority")
			delayMs, _ := cmd.Flags().GetInt64("delay-ms")

			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			body := map[string]any{
				"type":     msgType,
				"payload":  json.RawMessage(payload),
				"priority": priority,
				"delayMs":  delayMs,
			}
			raw, err := callAPI(cmd.Context(), http.MethodPost,
				apiURL()+"/v1/queues/"+url.PathEscape(queueName)+"/enqueue", body)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	enqueueCmd.Flags().StringP("queue", "q", "default", "Queue name")
	enqueueCmd.Flags().String("type", "", "Message type, e.g. email.send")
	enqueueCmd.Flags().String("payload", "{}", "JSON payload")
	enqueueCmd.Flags().String("priority", "", "Priority: high|normal|low")
	enqueueCmd.Flags().Int64("delay-ms", 0, "Delay before the message becomes visible")
	_ = enqueueCmd.MarkFlagRequired("type")
	return enqueueCmd
}

func newQueueStatsCommand(apiURL func() string) *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			raw, err := callAPI(cmd.Context(), http.MethodGet,
				apiURL()+"/v1/queues/"+url.PathEscape(queueName)+"/stats", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	statsCmd.Flags().StringP("queue", "q", "default", "Queue name")
	return statsCmd
}
