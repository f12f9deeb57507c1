package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"camrelay/native/internal/device"
)

func NewDevicesCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List cameras and the one a recording would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices := deps.Devices.List(cmd.Context())
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cameras found")
				return nil
			}
			def, _ := device.SelectDefault(devices)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEFAULT\tID\tLABEL")
			for _, d := range devices {
				mark := ""
				if d.ID == def {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", mark, d.ID, d.Label)
			}
			return tw.Flush()
		},
	}
	return cmd
}
