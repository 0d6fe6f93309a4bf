package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GuruMachanica/KavachG/internal/framestream/webcam"
)

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "List local video devices usable with the mediadevices driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		cams := webcam.ListCameras()
		if len(cams) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No cameras found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE ID\tLABEL")
		for _, c := range cams {
			fmt.Fprintf(w, "%s\t%s\n", c.DeviceID, c.Label)
		}
		return w.Flush()
	},
}
