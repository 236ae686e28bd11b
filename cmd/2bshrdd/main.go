// Command 2bshrdd is the daemon and CLI front-end for the core: it wires
// the persistence store, discovery, liveness monitor, protocol server,
// and transfer client into a running node, and exposes one-shot
// subcommands (pair, send, get, ls, ping, devices) for scripting against
// an already-running or ad-hoc instance.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/levidehaan/2bshrd/internal/discovery"
	"github.com/levidehaan/2bshrd/internal/events"
	"github.com/levidehaan/2bshrd/internal/liveness"
	"github.com/levidehaan/2bshrd/internal/logging"
	"github.com/levidehaan/2bshrd/internal/server"
	"github.com/levidehaan/2bshrd/internal/store"
	"github.com/levidehaan/2bshrd/internal/transfer"
)

var (
	flagConfigDir string
	flagVerbose   bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "2bshrdd",
		Short: "Peer-to-peer LAN file-sharing daemon",
	}

	root.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "override the per-user config directory")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newPairCmd(),
		newSendCmd(),
		newGetCmd(),
		newLsCmd(),
		newPingCmd(),
		newDevicesCmd(),
	)
	return root
}

func openStore() (*store.Store, error) {
	dir := flagConfigDir
	if dir == "" {
		d, err := store.DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	return store.Open(dir)
}

func newLogger() *logging.Logger {
	if flagVerbose {
		return logging.New()
	}
	return logging.NewProduction()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: discovery, liveness monitoring, and the protocol server",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			log := newLogger()
			defer log.Sync()
			hub := events.New()

			hub.OnNewDevice(func(d store.Device) { log.Infof("discovered new device %s (%s)", d.Name, d.ID) })
			hub.OnDeviceStatus(func(id string, online bool) { log.Infof("device %s online=%v", id, online) })
			hub.OnConnectionRetry(func(name string, attempt, max int) { log.Verbosef("retrying connection to %s (%d/%d)", name, attempt, max) })

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Infof("shutting down")
				cancel()
			}()

			mon := liveness.New(log, hub, st)
			disc := discovery.New(log, hub, st, func(pctx context.Context, dev store.Device) bool { return mon.Probe(pctx, dev) })
			if err := disc.Start(ctx); err != nil {
				return err
			}
			defer disc.Stop()

			go mon.Run(ctx)

			srv := server.New(log, hub, st)
			log.Infof("listening on port %d", st.Config().Port)
			return srv.ListenAndServe(ctx)
		},
	}
}

func newPairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Print this node's identifier, port, and current pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			cfg := st.Config()
			// Same egress-IP choice discovery advertises with, so the printed
			// code matches the one in the mDNS TXT record.
			ip := "127.0.0.1"
			if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
				ip = conn.LocalAddr().(*net.UDPAddr).IP.String()
				_ = conn.Close()
			}
			code := discovery.PairingCode(cfg.DeviceID, ip, cfg.Port)
			fmt.Printf("device_id:   %s\n", cfg.DeviceID)
			fmt.Printf("device_name: %s\n", cfg.DeviceName)
			fmt.Printf("port:        %d\n", cfg.Port)
			fmt.Printf("pairing:     %s\n", code)
			return nil
		},
	}
}

func resolveDevice(st *store.Store, idOrName string) (store.Device, error) {
	if dev, ok := st.Device(idOrName); ok {
		return dev, nil
	}
	for _, dev := range st.Devices() {
		if dev.Name == idOrName {
			return dev, nil
		}
	}
	return store.Device{}, fmt.Errorf("2bshrdd: unknown device %q", idOrName)
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <device> <path>",
		Short: "Send a local file to an enrolled device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			dev, err := resolveDevice(st, args[0])
			if err != nil {
				return err
			}
			log := newLogger()
			defer log.Sync()
			c := transfer.New(log, events.New(), st.Config())
			if err := c.SendFile(cmd.Context(), dev, args[1]); err != nil {
				return err
			}
			fmt.Println("send complete")
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <device> <remote-path>",
		Short: "Download a file from an enrolled device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			dev, err := resolveDevice(st, args[0])
			if err != nil {
				return err
			}
			log := newLogger()
			defer log.Sync()
			cfg := st.Config()
			c := transfer.New(log, events.New(), cfg)
			dest, err := c.Download(cmd.Context(), dev, args[1], cfg.DownloadsDir)
			if err != nil {
				return err
			}
			fmt.Printf("saved to %s\n", dest)
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <device> [path]",
		Short: "List a directory on an enrolled device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			dev, err := resolveDevice(st, args[0])
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 2 {
				path = args[1]
			}
			log := newLogger()
			defer log.Sync()
			c := transfer.New(log, events.New(), st.Config())
			entries, err := c.List(cmd.Context(), dev, path)
			if err != nil {
				return err
			}
			for _, e := range entries {
				marker := ""
				if e.IsDir {
					marker = "/"
				}
				fmt.Printf("%10d  %s%s\n", e.Size, e.Name, marker)
			}
			return nil
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <device>",
		Short: "Check whether an enrolled device is reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			dev, err := resolveDevice(st, args[0])
			if err != nil {
				return err
			}
			log := newLogger()
			defer log.Sync()
			c := transfer.New(log, events.New(), st.Config())

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if c.Ping(ctx, dev) {
				fmt.Println("online")
				return nil
			}
			fmt.Println("offline")
			return fmt.Errorf("2bshrdd: %s did not respond", dev.Name)
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List enrolled devices and their last-known state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			for _, d := range st.Devices() {
				status := "offline"
				if d.IsOnline {
					status = "online"
				}
				fmt.Printf("%-36s  %-20s  %-15s  %5d  %s\n", d.ID, d.Name, d.Host, d.Port, status)
			}
			return nil
		},
	}
}
