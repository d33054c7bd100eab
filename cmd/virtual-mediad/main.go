// Command virtual-mediad is the supervisory daemon: it loads the slot
// configuration, wires each slot's mountpoint state machine to a shared
// device monitor, gadget controller and CIFS helper, exports the D-Bus
// facade, and runs until SIGINT/SIGTERM (spec.md §1, §6).
//
// Structure follows cmd/containerd/main.go's urfave/cli App with a single
// Action doing ordered startup, generalized to this daemon's collaborator
// set (SPEC_FULL.md §6 "CLI").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/containerd/log"

	"github.com/openbmc-project/virtual-media/core/cifs"
	"github.com/openbmc-project/virtual-media/core/gadget"
	"github.com/openbmc-project/virtual-media/core/mountpoint"
	"github.com/openbmc-project/virtual-media/core/process"
	"github.com/openbmc-project/virtual-media/core/udevmon"
	"github.com/openbmc-project/virtual-media/internal/config"
	"github.com/openbmc-project/virtual-media/internal/svcready"
	"github.com/openbmc-project/virtual-media/ipc/dbusfacade"
	"github.com/openbmc-project/virtual-media/ipc/redfish"
)

// machineSpawner adapts *process.Monitor to core/mountpoint.Spawner:
// Monitor.Spawn returns the concrete *process.Handle, which satisfies
// mountpoint.ProcessRef structurally but not by declared signature, so
// the composition root supplies the interface-typed wrapper.
type machineSpawner struct{ monitor *process.Monitor }

func (s machineSpawner) Spawn(argv []string, onExit func(int)) (mountpoint.ProcessRef, error) {
	return s.monitor.Spawn(argv, onExit)
}

func main() {
	app := &cli.App{
		Name:  "virtual-mediad",
		Usage: "expose remote ISO/IMG images as USB mass-storage devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/virtual-media/config.toml",
				Usage:   "path to the slot configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "set the logging level [debug, info, warn, error]",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	logrus.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data, err := os.ReadFile(c.String("config"))
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	cfg, err := config.Load(data)
	if err != nil {
		// spec.md §6: invalid configuration exits non-zero without
		// exporting any interface.
		return errors.Wrap(err, "load config")
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, "connect to system bus")
	}
	defer conn.Close()

	monitor, err := udevmon.New()
	if err != nil {
		return errors.Wrap(err, "open udev monitor")
	}
	defer monitor.Close()

	gadgetCtl := gadget.New()
	cifsHelper := cifs.Helper{}
	events := redfish.NewExchange()
	facade := dbusfacade.New(conn)

	go redfish.LogSink(ctx, events)

	// SPEC_FULL.md "Supplemented features" #1: request the bus name and
	// export the object-manager root before any per-slot interface exists.
	if err := facade.Start(); err != nil {
		return errors.Wrap(err, "start D-Bus facade")
	}

	machines := make([]*mountpoint.Machine, 0, len(cfg.MountPoints))
	for name, mp := range cfg.MountPoints {
		mpCfg := mp.ToMountpointConfig(name)
		m := mountpoint.New(mpCfg, machineSpawner{process.Default}, gadgetCtl, cifsHelper, monitor, events)
		machines = append(machines, m)

		go m.Run(ctx)

		if err := facade.AddSlot(m); err != nil {
			return errors.Wrapf(err, "export slot %q", name)
		}
	}

	for _, m := range machines {
		if err := m.Register(); err != nil {
			return errors.Wrapf(err, "register slot %q", m.Name())
		}
	}

	go monitor.Run(func(ev udevmon.Event) {
		for _, m := range machines {
			if m.Device() == ev.Device {
				m.NotifyUdevChange(ev.Change)
			}
		}
	})

	svcready.NotifyReady()
	go svcready.Watchdog(ctx)

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD)

	log.L.Info("virtual-mediad: ready")

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGCHLD:
			if err := process.Reap(); err != nil {
				log.L.WithError(err).Warn("virtual-mediad: reap failed")
			}
		case syscall.SIGTERM, syscall.SIGINT:
			// spec.md §5 "Cancellation": shutdown stops the event loop
			// without draining; outstanding subprocesses and gadget
			// state are left for the service manager to reap.
			log.L.Info("virtual-mediad: shutting down")
			facade.Shutdown(ctx)
			cancel()
			return nil
		}
	}
}
