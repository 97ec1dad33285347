// carton is the host-side CLI: inspect installed runners, load a packaged
// model to verify it, and pack model sources through a runner.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"carton/internal/discovery"
	"carton/pkg/carton"
	"carton/pkg/types"
)

func main() {
	var (
		configPath string
		runnerDir  string
		logLevel   string
		runnerName string
		verRange   string
		deviceStr  string
	)
	opts := func() (carton.Options, error) {
		o := carton.Options{}
		if configPath != "" {
			loaded, err := carton.OptionsFromConfigFile(configPath)
			if err != nil {
				return carton.Options{}, err
			}
			o = loaded
		}
		if runnerDir != "" {
			o.RunnerDir = runnerDir
		}
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return carton.Options{}, fmt.Errorf("bad --log-level %q: %w", logLevel, err)
		}
		o.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		return o, nil
	}
	loadOpts := func() (types.LoadOptions, error) {
		lo := types.LoadOptions{RunnerName: runnerName, RequiredFrameworkVersion: verRange}
		if deviceStr != "" {
			dev, err := carton.ParseDevice(deviceStr)
			if err != nil {
				return lo, err
			}
			lo.VisibleDevice = dev
		}
		return lo, nil
	}

	root := &cobra.Command{
		Use:           "carton",
		Short:         "Load and pack ML models through installed runners",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (yaml/json/toml)")
	root.PersistentFlags().StringVar(&runnerDir, "runner-dir", "", "Runner directory (defaults CARTON_RUNNER_DIR)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug|info|warn|error")

	runnersCmd := &cobra.Command{
		Use:   "runners",
		Short: "List installed runners",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := opts()
			if err != nil {
				return err
			}
			catalogue, err := discovery.Discover(o.RunnerDir)
			if err != nil {
				return err
			}
			for _, r := range catalogue {
				fmt.Printf("%s\t%s\tinterface=%d\t%s\t%s\n",
					r.Name, r.FrameworkVersion, r.InterfaceVersion, r.Platform, r.ExecutablePath)
			}
			return nil
		},
	}

	loadCmd := &cobra.Command{
		Use:   "load <model-path>",
		Short: "Load a model package and print what the runner reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := opts()
			if err != nil {
				return err
			}
			lo, err := loadOpts()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			model, err := carton.Load(ctx, args[0], lo, o)
			if err != nil {
				return err
			}
			defer model.Close(context.Background())
			info := model.Info()
			fmt.Printf("model: %s\nrunner: %s\ninterface: %d\n", info.Name, info.Runner, model.InterfaceVersion())
			for _, in := range info.Inputs {
				fmt.Printf("input: %s %s %v\n", in.Name, in.DType, in.Shape)
			}
			for _, out := range info.Outputs {
				fmt.Printf("output: %s %s %v\n", out.Name, out.DType, out.Shape)
			}
			return nil
		},
	}
	loadCmd.Flags().StringVar(&runnerName, "runner", "", "Override the runner named by the package")
	loadCmd.Flags().StringVar(&verRange, "framework-version", "", "Override the required framework version range")
	loadCmd.Flags().StringVar(&deviceStr, "device", "", "Visible device: cpu, an index, or a GPU UUID")

	packCmd := &cobra.Command{
		Use:   "pack <root-dir> <input-path> <temp-folder>",
		Short: "Pack a model source tree (paths relative to root-dir)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := opts()
			if err != nil {
				return err
			}
			lo, err := loadOpts()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			out, err := carton.Pack(ctx, args[0], args[1], args[2], lo, o)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	packCmd.Flags().StringVar(&runnerName, "runner", "", "Runner to pack with (required)")
	packCmd.Flags().StringVar(&verRange, "framework-version", "", "Framework version range")

	root.AddCommand(runnersCmd, loadCmd, packCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "carton:", err)
		os.Exit(1)
	}
}
