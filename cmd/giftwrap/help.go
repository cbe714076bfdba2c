// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	helpTitleStyle = lipgloss.NewStyle().Bold(true)
	helpFlagStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

type helpFlag struct {
	flag string
	desc string
}

var helpFlags = []helpFlag{
	{"--gw-print", "print the composed runtime command instead of executing it"},
	{"--gw-show-config", "print the resolved configuration"},
	{"--gw-print-image", "print the final image reference"},
	{"--gw-ctx", "print the context sha"},
	{"--gw-img=<ref>", "override the image reference"},
	{"--gw-use-ctx[=<sha>]", "force content-addressed tagging, optionally with a fixed sha"},
	{"--gw-rebuild", "rebuild the image before running"},
	{"--gw-extra-args=<str>", "inject extra runtime args (POSIX word splitting)"},
	{"--gw-help", "show this help"},
}

func printHelp() {
	fmt.Println(helpTitleStyle.Render("giftwrap") + " — run a command or shell in a reproducible container")
	fmt.Println()
	fmt.Println("Usage: giftwrap [--gw-flags] [-- command...]")
	fmt.Println()
	fmt.Println(helpTitleStyle.Render("Flags:"))
	for _, f := range helpFlags {
		fmt.Printf("    %s  %s\n", helpFlagStyle.Render(fmt.Sprintf("%-22s", f.flag)), f.desc)
	}
	fmt.Println()
	fmt.Println("Everything after -- is the command run inside the container;")
	fmt.Println("with no command you get an interactive shell.")
}
