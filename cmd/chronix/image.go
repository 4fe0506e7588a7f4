package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zlc-dev/Chronix/kernel/device"
)

func newImageCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "image",
		Short: "write the built-in demo boot disk to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, payloads := demoPrograms()
			img, err := device.PackBootDisk(names, payloads)
			if err != nil {
				return fmt.Errorf("pack boot disk: %s", err.Error())
			}
			if err := os.WriteFile(outPath, img, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d programs, %d bytes)\n", outPath, len(names), len(img))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "disk.img", "output file")
	return cmd
}
