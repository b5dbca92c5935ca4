package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kabili207/uartbridge-go/client"
	"github.com/kabili207/uartbridge-go/device/uart"
	"github.com/spf13/cobra"
)

// portsCmd represents the ports command
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the ports of a bridge",
	Long: `List the port names a running bridge offers, or with --local the serial
devices present on this host (useful when writing the ports section of the
config file).

Example usage:
  uartbridge ports --url ws://bridge.local:8080/ws
  uartbridge ports --local`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")
		if local {
			devices, err := uart.ListDevices()
			if err != nil {
				return fmt.Errorf("listing serial devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No serial devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout(cmd))
		defer cancel()
		c, err := dialRemote(ctx, cmd)
		if err != nil {
			return err
		}
		defer c.Disconnect()

		names, err := c.GetPortList(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
	addRemoteFlags(portsCmd)
	portsCmd.Flags().Bool("local", false, "List serial devices on this host instead")
}

// addRemoteFlags adds the flags needed to reach a bridge.
func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("url", "u", "ws://localhost:8080/ws", "Bridge WebSocket URL")
	cmd.Flags().String("user", "", "Username for the bridge login")
	cmd.Flags().String("password", "", "Password for the bridge login")
	cmd.Flags().DurationP("timeout", "t", 5*time.Second, "Timeout for the whole operation")
}

func remoteTimeout(cmd *cobra.Command) time.Duration {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return timeout
}

func dialRemote(ctx context.Context, cmd *cobra.Command) (*client.Client, error) {
	url, _ := cmd.Flags().GetString("url")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	return client.Dial(ctx, client.Config{
		URL:      url,
		Username: user,
		Password: password,
	})
}
