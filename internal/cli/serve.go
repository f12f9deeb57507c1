package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API",
		Long:  "Serve the HTTP control API: POST /recordings starts a recording, DELETE /recordings/current stops it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := xlog.WithComponent("cli")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := deps.Control.ListenAndServe(ctx, listen)

			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if serr := deps.Recordings.StopCurrent(stopCtx); serr != nil && !errors.Is(serr, domain.ErrAlreadyStopped) {
				logger.Error().Err(serr).Msg("stop active recording")
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", deps.Listen, "Address of the control API")

	return cmd
}
