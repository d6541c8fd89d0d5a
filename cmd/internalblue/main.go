// Command internalblue is a thin lifecycle entrypoint: connect, optionally
// start the LMP monitor, and shut down cleanly on signal (spec.md §1/§2
// item 9). It owns no command parsing beyond process flags and is not the
// interactive shell the original tool provides.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli"

	"github.com/bot6/internalblue"
	"github.com/bot6/internalblue/lmp"
)

func main() {
	app := cli.NewApp()
	app.Name = "internalblue"
	app.Usage = "connect to a Broadcom Bluetooth controller and optionally monitor LMP traffic"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bridge", Value: "bridge", Usage: "bridge binary used for port forwarding"},
		cli.IntFlag{Name: "queue-size", Value: 1000, Usage: "bounded receive queue capacity"},
		cli.StringFlag{Name: "capture-log", Usage: "optional path to mirror the snoop stream to"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "critical|error|warning|notice|info|debug"},
		cli.BoolFlag{Name: "monitor", Usage: "start the LMP monitor after connecting"},
		cli.BoolTFlag{Name: "assembler-fix", Usage: "warn on an unexpectedly old assembler toolchain"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := internalblue.DefaultConfig()
	cfg.BridgeBinary = c.String("bridge")
	cfg.QueueSize = c.Int("queue-size")
	cfg.CaptureLogPath = c.String("capture-log")
	cfg.LogLevel = c.String("log-level")
	cfg.AssemblerFix = c.BoolT("assembler-fix")

	session := internalblue.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("internalblue: connect: %w", err)
	}

	if c.Bool("monitor") {
		cb := func(pkt lmp.Packet) {
			fmt.Fprintf(os.Stderr, "lmp packet: %s\n", spew.Sdump(pkt))
		}
		if err := session.StartMonitor(ctx, cb); err != nil {
			session.Shutdown(ctx)
			return fmt.Errorf("internalblue: start monitor: %w", err)
		}
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM)
	<-stopSignal

	if c.Bool("monitor") {
		session.StopMonitor()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return session.Shutdown(shutdownCtx)
}
