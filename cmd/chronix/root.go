package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chronix",
		Short:         "chronix is a RISC-V style kernel running as an ordinary process",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newImageCmd())
	root.AddCommand(newVersionCmd())
	return root
}
