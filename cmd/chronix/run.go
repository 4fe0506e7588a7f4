package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zlc-dev/Chronix/kernel/config"
	"github.com/zlc-dev/Chronix/kernel/device"
	"github.com/zlc-dev/Chronix/kernel/klog"
	"github.com/zlc-dev/Chronix/kernel/kmain"
)

func newRunCmd() *cobra.Command {
	var (
		cfgPath  string
		diskPath string
		initProg string
		harts    int
		memMiB   int
		board    string
		mode     string
		logLevel string
		logJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "boot the machine and run until the last task exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("harts") {
				cfg.Machine.Harts = harts
			}
			if cmd.Flags().Changed("memory") {
				cfg.Machine.MemoryMiB = memMiB
			}
			if cmd.Flags().Changed("board") {
				cfg.Machine.Board = board
			}
			if cmd.Flags().Changed("mode") {
				cfg.Machine.Mode = config.Mode(mode)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-json") {
				cfg.Logging.JSON = logJSON
			}
			if err := klog.Init(klog.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON}); err != nil {
				return err
			}

			var disk device.BlockDevice
			if diskPath != "" {
				raw, err := os.ReadFile(diskPath)
				if err != nil {
					return fmt.Errorf("read boot disk: %w", err)
				}
				disk = device.MemDiskFromBytes(raw)
			} else {
				var err error
				if disk, err = demoDisk(); err != nil {
					return err
				}
			}

			k := kmain.New(cfg, os.Stdin, os.Stdout)
			if err := k.Boot(disk, initProg); err != nil {
				return fmt.Errorf("boot: %s", err.Error())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := k.Run(ctx); err != nil {
				return err
			}

			if code := k.InitExitCode(); code != 0 {
				return fmt.Errorf("init exited with code %d", code)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "machine config file (YAML)")
	cmd.Flags().StringVar(&diskPath, "disk", "", "boot disk image; the built-in demo disk when empty")
	cmd.Flags().StringVar(&initProg, "init", "init", "program on the boot disk to spawn as init")
	cmd.Flags().IntVar(&harts, "harts", 1, "number of harts")
	cmd.Flags().IntVar(&memMiB, "memory", 128, "physical memory in MiB")
	cmd.Flags().StringVar(&board, "board", "qemu-virt", "target board variant")
	cmd.Flags().StringVar(&mode, "mode", "release", "build mode (debug, release)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	return cmd
}
