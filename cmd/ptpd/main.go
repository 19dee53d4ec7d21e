/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/daemon"
)

var (
	configFlag         string
	ifaceFlag          string
	verboseFlag        bool
	monitoringPortFlag int
)

var rootCmd = &cobra.Command{
	Use:   "ptpd",
	Short: "PTP ordinary clock daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "path to the config file")
	rootCmd.Flags().StringVarP(&ifaceFlag, "iface", "i", "", "network interface to use (overrides config)")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose output")
	rootCmd.Flags().IntVarP(&monitoringPortFlag, "monitoringport", "m", 0, "port to run the monitoring server on (overrides config)")
}

func loadConfig() (*daemon.Config, error) {
	var cfg *daemon.Config
	var err error
	if configFlag != "" {
		cfg, err = daemon.ReadConfig(configFlag)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = daemon.DefaultConfig()
	}
	if ifaceFlag != "" {
		cfg.Iface = ifaceFlag
	}
	if monitoringPortFlag != 0 {
		cfg.MonitoringPort = monitoringPortFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() error {
	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	done := make(chan struct{})

	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2)
	go func() {
		debug := verboseFlag
		for sig := range sigs {
			switch sig {
			case unix.SIGINT, unix.SIGTERM:
				close(done)
				return
			case unix.SIGHUP:
				log.Infof("SIGHUP: reloading configuration")
				d.RequestReload(loadConfig)
			case unix.SIGUSR1:
				debug = !debug
				if debug {
					log.SetLevel(log.DebugLevel)
				} else {
					log.SetLevel(log.InfoLevel)
				}
				log.Warningf("SIGUSR1: debug logging %v", debug)
			case unix.SIGUSR2:
				d.ForceStep()
			}
		}
	}()

	return d.Run(done)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
