package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/memgraph/internal/hooks"
)

var hookCmd = &cobra.Command{
	Use:       "hook <start|submit|tool|stop>",
	Short:     "Record a coding-agent hook event",
	Long:      "Reads the hook event JSON on stdin and records it as an activity. Always exits 0 so the agent is never blocked.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"start", "submit", "tool", "stop"},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h := &hooks.Handler{Client: newClient(), Out: cmd.OutOrStdout()}
		if err := h.Handle(ctx, args[0], os.Stdin); err != nil {
			fmt.Fprintf(os.Stderr, "memgraph hook: %v\n", err)
		}
	},
}
