package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"todosync/internal/device"
)

// deviceJSON is the JSON shape of a device
type deviceJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Platform     string `json:"platform,omitempty"`
	LastSyncTime string `json:"last_sync_time,omitempty"`
	Online       bool   `json:"online"`
}

func toDeviceJSON(d device.Device) deviceJSON {
	out := deviceJSON{ID: d.ID, Name: d.Name, Platform: d.Platform, Online: d.Online}
	if d.LastSyncTime != nil {
		out.LastSyncTime = d.LastSyncTime.UTC().Format(time.RFC3339)
	}
	return out
}

// newDeviceCmd creates the 'device' subcommand for identity and pairing
func newDeviceCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Manage this device and its paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	deviceCmd.AddCommand(newDeviceShowCmd(stdout, cfg))
	deviceCmd.AddCommand(newDevicePairCmd(stdout, cfg))
	deviceCmd.AddCommand(newDeviceUnpairCmd(stdout, cfg))
	deviceCmd.AddCommand(newDeviceListCmd(stdout, cfg))

	return deviceCmd
}

// newDeviceShowCmd creates the 'device show' subcommand
func newDeviceShowCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show this device's identity",
		Long:  "Show the id other devices use to pair with this one. The id is generated on first run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				self := a.devices.Self()
				if jsonOutput {
					return writeJSON(stdout, toDeviceJSON(self))
				}
				_, _ = fmt.Fprintf(stdout, "ID:       %s\n", self.ID)
				_, _ = fmt.Fprintf(stdout, "Name:     %s\n", self.Name)
				_, _ = fmt.Fprintf(stdout, "Platform: %s\n", self.Platform)
				printResult(stdout, cfg, ResultInfoOnly)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDevicePairCmd creates the 'device pair' subcommand
func newDevicePairCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair [device-id]",
		Short: "Pair another device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			platform, _ := cmd.Flags().GetString("platform")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				d := device.Device{ID: args[0], Name: name, Platform: platform}
				if err := a.devices.AddPairedDevice(ctx, d); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Paired device %s\n", d.ID)
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("name", "", "Display name of the device")
	cmd.Flags().String("platform", "", "Platform of the device")
	return cmd
}

// newDeviceUnpairCmd creates the 'device unpair' subcommand
func newDeviceUnpairCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair [device-id]",
		Short: "Unpair a device",
		Long:  "Unpair a device. Unknown ids are ignored.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				if err := a.devices.RemovePairedDevice(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Unpaired device %s\n", args[0])
				printResult(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDeviceListCmd creates the 'device list' subcommand
func newDeviceListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, stdout, func(ctx context.Context, a *app) error {
				devices := a.devices.PairedDevices()
				if jsonOutput {
					out := make([]deviceJSON, 0, len(devices))
					for _, d := range devices {
						out = append(out, toDeviceJSON(d))
					}
					return writeJSON(stdout, out)
				}
				if len(devices) == 0 {
					_, _ = fmt.Fprintln(stdout, "No paired devices.")
					printResult(stdout, cfg, ResultInfoOnly)
					return nil
				}

				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tLAST SYNC")
				for _, d := range devices {
					last := "never"
					if d.LastSyncTime != nil {
						last = d.LastSyncTime.Local().Format("2006-01-02 15:04")
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Platform, last)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				printResult(stdout, cfg, ResultInfoOnly)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
