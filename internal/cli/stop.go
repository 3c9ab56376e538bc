package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Show how to stop the eventcore server",
	Long:  `Print how to stop a running eventcore server (Ctrl+C or SIGTERM). This command does not signal the process itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// TODO: Implement process signaling (PID file or socket).
		fmt.Println("Stop not yet implemented. Use Ctrl+C or send SIGTERM to the running process.")
		return nil
	},
}
