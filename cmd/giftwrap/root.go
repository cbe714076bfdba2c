// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sudonym1/giftwrap/internal/buildctx"
	"github.com/sudonym1/giftwrap/internal/cli"
	"github.com/sudonym1/giftwrap/internal/compose"
	"github.com/sudonym1/giftwrap/internal/config"
	"github.com/sudonym1/giftwrap/internal/container"
	"github.com/sudonym1/giftwrap/internal/hostinfo"
	"github.com/sudonym1/giftwrap/internal/launch"
)

// logger writes host-side progress to stderr; stdout stays reserved for
// the terminal actions.
var logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: false,
	Prefix:          "giftwrap",
})

// rootCmd owns the whole --gw-* grammar itself; the grammar is not
// pflag-shaped (anything before `--` must be a --gw- flag, the rest is
// the user command verbatim).
var rootCmd = &cobra.Command{
	Use:                "giftwrap [--gw-flags] [-- command...]",
	Short:              "Run a command or shell in a reproducible container",
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	Args:               cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runHost(cmd.Context(), args); err != nil {
			return &ExitError{Prefix: "giftwrap", Code: exitCode(err), Err: err}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

// Execute runs the command tree and returns the process exit code.
// SIGINT/SIGTERM cancel the context so in-flight build or prelaunch
// children are killed; after the final exec signals go to the runtime.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", exitErr.Prefix, exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "giftwrap: %v\n", err)
	return 1
}

// runHost is the host-side main flow: probe, parse, load, compose, then
// either emit a terminal action or hand over to the launcher.
func runHost(ctx context.Context, args []string) error {
	opts, err := cli.Parse(args)
	if err != nil {
		return err
	}
	if opts.Action == cli.ActionHelp {
		printHelp()
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	host := hostinfo.Collect(cwd)

	cfg, err := config.Load(cwd, os.Environ())
	if err != nil {
		return err
	}

	ctxSha := opts.CtxSha
	if ctxSha == "" && (cfg.UseContext || opts.UseCtx || opts.Action == cli.ActionCtx) {
		resolved, err := buildctx.Resolve(cfg.BuildRoot)
		if err != nil {
			return err
		}
		ctxSha = resolved.Sha
	}
	if opts.Action == cli.ActionCtx {
		fmt.Println(ctxSha)
		return nil
	}

	switch opts.Action {
	case cli.ActionPrintImage:
		fmt.Println(compose.ResolveImage(cfg, opts, ctxSha))
		return nil
	case cli.ActionShowConfig:
		rendered, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		fmt.Print(string(rendered))
		return nil
	}

	flavor := container.FlavorPodman
	specFilePath := ""
	if !flavor.SupportsFDPassing() {
		f, err := os.CreateTemp("", "giftwrap-spec-*.json")
		if err != nil {
			return fmt.Errorf("create spec temp file: %w", err)
		}
		specFilePath = f.Name()
		f.Close()
	}

	agentSource, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate giftwrap binary: %w", err)
	}

	result, err := compose.Build(compose.Inputs{
		Config:       cfg,
		CLI:          opts,
		Host:         host,
		ContextSha:   ctxSha,
		Terminfo:     launch.CollectTerminfo(host),
		AgentSource:  agentSource,
		Flavor:       flavor,
		SpecFilePath: specFilePath,
	})
	if err != nil {
		return err
	}

	if opts.Action == cli.ActionPrint {
		runArgs, err := flavor.RunArgs(result.Container)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(append([]string{flavor.Binary()}, runArgs...), " "))
		return nil
	}

	launcher := &launch.Launcher{
		Runtime:          container.NewRuntime(flavor),
		Logger:           logger,
		ContentAddressed: ctxSha != "",
		Rebuild:          opts.Rebuild,
		BuildRoot:        cfg.BuildRoot,
		Prelaunch:        cfg.Prelaunch,
		SpecFilePath:     specFilePath,
	}
	return launcher.Run(ctx, result)
}
