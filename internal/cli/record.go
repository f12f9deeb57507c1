package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
	"camrelay/native/internal/recording"
)

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var simulcast bool

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record in the foreground (Ctrl+C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := xlog.WithComponent("cli")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := deps.Recordings.Start(ctx, recording.Options{Simulcast: simulcast})
			if sess == nil {
				return err
			}
			if err != nil {
				logger.Warn().Err(err).Msg("recording locally only")
			}
			if err := printJSON(cmd, sess.Status()); err != nil {
				return err
			}

			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := deps.Recordings.Stop(stopCtx, sess); err != nil && !errors.Is(err, domain.ErrAlreadyStopped) {
				return err
			}
			return printJSON(cmd, sess.Status())
		},
	}

	cmd.Flags().BoolVar(&simulcast, "simulcast", false, "Offer three simulcast layers")

	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
