// noop-runner is the reference runner: it speaks the interface protocol and
// echoes inference inputs back as outputs. Hosts spawn it with --uds-path;
// it connects, serves, and exits 0 only after a clean shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"carton/internal/runnerserve"
)

func main() {
	var (
		udsPath          string
		interfaceVersion uint64
		logLevel         string
	)
	root := &cobra.Command{
		Use:           "noop-runner",
		Short:         "Reference runner that echoes inference inputs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if udsPath == "" {
				return fmt.Errorf("--uds-path is required")
			}
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("bad --log-level %q: %w", logLevel, err)
			}
			log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("runner", "noop").Logger()

			session, err := runnerserve.Dial(udsPath, runnerserve.NoopBackend{}, runnerserve.Options{
				InterfaceVersion: interfaceVersion,
				Logger:           log,
			})
			if err != nil {
				return err
			}
			log.Info().Str("addr", udsPath).Msg("connected")
			if err := session.Wait(); err != nil {
				return err
			}
			log.Info().Msg("clean shutdown")
			return nil
		},
	}
	root.Flags().StringVar(&udsPath, "uds-path", "", "Rendezvous address handed over by the host (unix socket path or host:port)")
	root.Flags().Uint64Var(&interfaceVersion, "interface-version", 0, "Interface major to announce (0 = current)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "noop-runner:", err)
		os.Exit(1)
	}
}
