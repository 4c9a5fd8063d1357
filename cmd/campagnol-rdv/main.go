// Command campagnol-rdv is the RDV rendezvous server binary: a
// single-threaded UDP matchmaker, spec.md §4.2.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/campagnol-vpn/campagnol/internal/pidfile"
	"github.com/campagnol-vpn/campagnol/internal/rdv"
)

const defaultPort = 5000

func main() {
	app := &cli.App{
		Name:  "campagnol-rdv",
		Usage: "decentralized VPN rendezvous server",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
			&cli.BoolFlag{Name: "daemon", Aliases: []string{"D"}},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Count: new(int)},
			&cli.IntFlag{Name: "max-clients", Aliases: []string{"m"}},
			&cli.StringFlag{Name: "pidfile", Aliases: []string{"P"}},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: defaultPort},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "campagnol-rdv:", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	log := newLogger(cliCtx)

	if pf := cliCtx.String("pidfile"); pf != "" && cliCtx.Bool("daemon") {
		if err := pidfile.Write(pf); err != nil {
			log.WithError(err).Error("rdv: pidfile error")
			return err
		}
		defer pidfile.Remove(pf)
	}

	cfg := rdv.Config{
		Port:       uint16(cliCtx.Int("port")),
		MaxClients: cliCtx.Int("max-clients"),
		Debug:      cliCtx.Bool("debug"),
		Dump:       cliCtx.Count("debug") >= 2,
		Verbose:    cliCtx.Bool("verbose"),
		Log:        log.WithField("component", "rdv"),
	}

	srv, err := rdv.New(cfg)
	if err != nil {
		log.WithError(err).Error("rdv: failed to bind socket")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("rdv: shutting down")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func newLogger(cliCtx *cli.Context) *logrus.Entry {
	l := logrus.New()
	switch {
	case cliCtx.Count("debug") >= 2:
		l.SetLevel(logrus.TraceLevel)
	case cliCtx.Bool("debug"):
		l.SetLevel(logrus.DebugLevel)
	case cliCtx.Bool("verbose"):
		l.SetLevel(logrus.InfoLevel)
	default:
		l.SetLevel(logrus.WarnLevel)
	}
	return logrus.NewEntry(l)
}
