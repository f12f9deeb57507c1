package cli

import (
	"context"

	"github.com/spf13/cobra"

	"camrelay/native/internal/control"
	"camrelay/native/internal/recording"
)

// Recordings is the recording lifecycle the commands drive.
type Recordings interface {
	control.Recordings
	Stop(ctx context.Context, sess *recording.Session) error
}

// Dependencies are the components the commands use.
type Dependencies struct {
	Listen     string
	Devices    control.DeviceLister
	Recordings Recordings
	Control    *control.Server
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "camrelay",
		Short:         "Stream a camera to a Janus gateway and record it",
		Long:          "camrelay captures a local camera, registers a recording job with the recording API and streams the camera to a Janus gateway, keeping a local copy.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewDevicesCmd(deps))

	return rootCmd
}
