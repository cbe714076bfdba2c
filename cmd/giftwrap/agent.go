// SPDX-License-Identifier: MPL-2.0

package main

import (
	"github.com/spf13/cobra"

	"github.com/sudonym1/giftwrap/internal/agent"
)

// agentCmd is the in-container personality of the same binary,
// bind-mounted from the host. Not for direct use.
var agentCmd = &cobra.Command{
	Use:                "agent",
	Short:              "In-container setup and exec (internal)",
	Hidden:             true,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	Args:               cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := agent.Run(args); err != nil {
			return &ExitError{Prefix: "giftwrap agent", Code: exitCode(err), Err: err}
		}
		return nil
	},
}
