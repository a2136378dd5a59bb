package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDLQCommand constructs the `dlq` command group and subcommands.
func NewDLQCommand(apiURL func() string) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead letter queue operations",
		Long: `Inspect and recover messages that exhausted their retries.

Commands:
  list     Page through dead-lettered messages, optionally CEL-filtered
  stats    Aggregate counts by message type
  replay   Re-enqueue one or more messages with a fresh attempt budget
  delete   Drop a single message
  purge    Drop every message in the queue's DLQ`,
	}
	dlqCmd.PersistentFlags().StringP("queue", "q", "default", "Queue name")
	dlqCmd.AddCommand(
		newDLQListCommand(apiURL),
		newDLQStatsCommand(apiURL),
		newDLQReplayCommand(apiURL),
		newDLQDeleteCommand(apiURL),
		newDLQPurgeCommand(apiURL),
	)
	return dlqCmd
}

func dlqQueueName(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("queue")
	return name
}

func newDLQListCommand(apiURL func() string) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			filter, _ := cmd.Flags().GetString("filter")

			params := url.Values{}
			params.Set("queue", dlqQueueName(cmd))
			params.Set("limit", strconv.Itoa(limit))
			params.Set("offset", strconv.Itoa(offset))
			if filter != "" {
				params.Set("filter", filter)
			}
			raw, err := callAPI(cmd.Context(), http.MethodGet, apiURL()+"/v1/dlq?"+params.Encode(), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	listCmd.Flags().Int("limit", 50, "Page size")
	listCmd.Flags().Int("offset", 0, "Page offset")
	listCmd.Flags().String("filter", "", `CEL filter, e.g. 'type == "email.send" && attempt > 2'`)
	return listCmd
}

func newDLQStatsCommand(apiURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Aggregate dead-letter counts by type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := url.Values{}
			params.Set("queue", dlqQueueName(cmd))
			params.Set("action", "stats")
			raw, err := callAPI(cmd.Context(), http.MethodGet, apiURL()+"/v1/dlq?"+params.Encode(), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

func newDLQReplayCommand(apiURL func() string) *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue dead-lettered messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			ids, _ := cmd.Flags().GetStringSlice("ids")

			var body map[string]any
			switch {
			case id != "" && len(ids) > 0:
				return fmt.Errorf("--id and --ids are mutually exclusive")
			case id != "":
				body = map[string]any{"action": "replay", "queueName": dlqQueueName(cmd), "messageId": id}
			case len(ids) > 0:
				body = map[string]any{"action": "replayBulk", "queueName": dlqQueueName(cmd), "messageIds": ids}
			default:
				return fmt.Errorf("one of --id or --ids is required")
			}
			raw, err := callAPI(cmd.Context(), http.MethodPost, apiURL()+"/v1/dlq", body)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	replayCmd.Flags().String("id", "", "Message id to replay")
	replayCmd.Flags().StringSlice("ids", nil, "Message ids for bulk replay")
	return replayCmd
}

func newDLQDeleteCommand(apiURL func() string) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one dead-lettered message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			body := map[string]any{"action": "delete", "queueName": dlqQueueName(cmd), "messageId": id}
			raw, err := callAPI(cmd.Context(), http.MethodPost, apiURL()+"/v1/dlq", body)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	deleteCmd.Flags().String("id", "", "Message id to delete")
	_ = deleteCmd.MarkFlagRequired("id")
	return deleteCmd
}

func newDLQPurgeCommand(apiURL func() string) *cobra.Command {
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead-lettered message in the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("purge is destructive, pass --yes to confirm")
			}
			body := map[string]any{"action": "purge", "queueName": dlqQueueName(cmd)}
			raw, err := callAPI(cmd.Context(), http.MethodPost, apiURL()+"/v1/dlq", body)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	purgeCmd.Flags().Bool("yes", false, "Confirm the purge")
	return purgeCmd
}
