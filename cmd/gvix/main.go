// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// gvix boots a simulated machine from a filesystem image and runs an
// interactive shell on the console.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gvix/gvix/console"
	"github.com/gvix/gvix/internal/logger"
	"github.com/gvix/gvix/kernel"
	"github.com/gvix/gvix/memdisk"
)

var (
	cfgFile     string
	flagCPUs    int
	flagMemMB   int
	flagLogFile string
	flagLogSev  string
	flagRaw     bool
)

var rootCmd = &cobra.Command{
	Use:   "gvix [flags] fs.img",
	Short: "Boot a simulated gvix machine from a filesystem image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return err
			}
		}
		return run(args[0])
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml)")
	f.IntVar(&flagCPUs, "cpus", 2, "number of scheduler CPUs")
	f.IntVar(&flagMemMB, "mem", 16, "physical memory in MiB")
	f.StringVar(&flagLogFile, "log-file", "", "kernel log destination (default stderr)")
	f.StringVar(&flagLogSev, "log-severity", "info", "trace|debug|info|warning|error|off")
	f.BoolVar(&flagRaw, "raw", true, "put the host terminal into raw mode")
	for _, name := range []string{"cpus", "mem", "log-file", "log-severity", "raw"} {
		_ = viper.BindPFlag(name, f.Lookup(name))
	}
}

func run(imagePath string) error {
	sev, err := logger.ParseLevel(viper.GetString("log-severity"))
	if err != nil {
		return err
	}
	logger.SetLevel(sev)
	if lf := viper.GetString("log-file"); lf != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   lf,
			MaxSize:    100, // MiB
			MaxBackups: 5,
		})
	}

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	disk, err := memdisk.New(image)
	if err != nil {
		return err
	}
	defer disk.Close()

	done := make(chan struct{})
	m, err := kernel.New(kernel.Config{
		CPUs:    viper.GetInt("cpus"),
		PhysTop: uint32(viper.GetInt("mem")) * 1024 * 1024,
		Disk:    disk,
		Init: func(sys *kernel.Sys) int {
			code := shell(sys)
			close(done)
			return code
		},
	})
	if err != nil {
		return err
	}

	console.Attach(m, os.Stdin, os.Stdout)

	if viper.GetBool("raw") {
		if restore, err := console.RawMode(int(os.Stdin.Fd())); err == nil {
			defer restore()
		}
	}

	m.Boot()
	<-done

	// Give in-flight output a moment, then halt the CPUs.
	time.Sleep(50 * time.Millisecond)
	m.Shutdown()
	fmt.Println()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
