// labrackd — hardware-lab supervisor daemon.
//
// labrackd exposes each USB-attached test board as a network-reachable
// RFC2217 endpoint, reacts to USB hotplug events, detects connect/
// disconnect storms and recovers misbehaving boards through kernel USB
// rebind and board-control GPIO lines. A JSON HTTP API on :8080 serves
// inspection and control; a UDP sink absorbs free-form device logs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/api"
	"github.com/labrack/labrack/pkg/gpio"
	"github.com/labrack/labrack/pkg/rack"
	"github.com/labrack/labrack/pkg/radio"
	"github.com/labrack/labrack/pkg/util"
	"github.com/labrack/labrack/pkg/version"
)

var (
	configPath string
	wlanIface  string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "labrackd",
	Short:         "Hardware-lab supervisor for USB-attached test boards",
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		util.InitLogging(verbose)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default "+rack.DefaultConfigFile+")")
	rootCmd.Flags().StringVarP(&wlanIface, "wlan", "w", "wlan0", "wireless interface for the radio collaborator")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := rack.LoadConfig(configPath)
	if err != nil {
		return err
	}

	act := actlog.New(0)
	if cfg.RedisAddr != "" {
		mirror := actlog.NewRedisMirror(cfg.RedisAddr, cfg.RedisStream)
		act.SetMirror(mirror)
		defer mirror.Close()
		util.Logger.Infof("labrackd: mirroring activity to redis %s", cfg.RedisAddr)
	}

	sup := rack.New(cfg, act, gpio.NewChip(cfg.GPIOChip))
	if err := sup.LoadSlots(); err != nil {
		return err
	}
	sup.BootScan()
	sup.StartHealthLoop()

	var sink *actlog.UDPSink
	if cfg.UDPLogPort > 0 {
		sink, err = actlog.StartUDPSink(cfg.UDPLogPort, act)
		if err != nil {
			util.Logger.Warnf("labrackd: %v", err)
		}
	}

	rc := radio.NewController(wlanIface)

	httpSrv, err := api.New(sup, act, rc).Serve(cfg.HTTPAddr)
	if err != nil {
		return err
	}

	sddaemon.SdNotify(false, sddaemon.SdNotifyReady)
	act.Add(actlog.OK, "supervisor started "+version.Info())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	util.Logger.Info("labrackd: shutting down")
	sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
	if sink != nil {
		sink.Stop()
	}
	sup.Shutdown()
	rc.Shutdown()
	return nil
}
