package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the Courier client.
// It registers the queue and dlq command groups.
func NewRoot(apiURL func() string) *cobra.Command {
	if apiURL == nil {
		apiURL = apiURLFromEnv
	}
	root := &cobra.Command{
		Use:   "courier",
		Short: "Courier client commands",
	}
	root.AddCommand(NewQueueCommand(apiURL))
	root.AddCommand(NewDLQCommand(apiURL))
	return root
}
