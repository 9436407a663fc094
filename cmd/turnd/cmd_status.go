package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/turnd/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running turnd instance's status",
	Long:  `Query the running turnd instance and display its allocation, channel, permission, and fabric counts.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is turnd running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Realm:       %s\n", status.Realm)
	fmt.Fprintf(os.Stdout, "Bind:        %s\n", status.Bind)
	fmt.Fprintf(os.Stdout, "External:    %s\n", status.External)
	fmt.Fprintf(os.Stdout, "Uptime:      %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Println()
	fmt.Fprintf(os.Stdout, "Allocations: %d\n", status.Allocations)
	fmt.Fprintf(os.Stdout, "Ports free:  %d\n", status.PortsFree)
	fmt.Fprintf(os.Stdout, "Channels:    %d\n", status.ChannelsBound)
	fmt.Fprintf(os.Stdout, "Permissions: %d\n", status.Permissions)
	fmt.Println()

	if !status.FabricEnabled {
		fmt.Fprintln(os.Stdout, "Fabric:      disabled")
		return nil
	}
	fmt.Fprintf(os.Stdout, "Fabric:      %d node(s) online\n", status.FabricOnline)

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
