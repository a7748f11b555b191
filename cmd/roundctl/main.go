// Command roundctl inspects and drives the round contracts by hand, using the
// same configuration as the roundkeeper service.
//
//	roundctl [-config config.toml] <command> [args]
//
// Commands:
//
//	status          classify every tracked market (read-only)
//	tick            run one settler tick and print the report
//	clear SYMBOL    clear the settled round of one market
//	batch           create rounds for every tracked market
//	prices          read the oracle price of every tracked market
//	markets         list markets registered on chain
//	encrypt-key     seal ROUNDKEEPER_RAW_KEY under the wallet key password
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/roundkeeper/internal/config"
)

type command struct {
	name   string
	args   string
	signed bool
	run    func(ctx context.Context, env *cliEnv, args []string) error
}

var commands = []command{
	{name: "status", run: runStatus},
	{name: "tick", signed: true, run: runTick},
	{name: "clear", args: "SYMBOL", signed: true, run: runClear},
	{name: "batch", signed: true, run: runBatch},
	{name: "prices", run: runPrices},
	{name: "markets", run: runMarkets},
	{name: "encrypt-key", run: runEncryptKey},
}

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	verbose := flag.Bool("v", false, "log at debug level to stderr")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := lookup(flag.Arg(0))
	if !ok {
		fmt.Fprintf(os.Stderr, "roundctl: unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roundctl: load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &cliEnv{cfg: cfg, out: os.Stdout, logger: logger, signed: cmd.signed}
	err = cmd.run(ctx, env, flag.Args()[1:])
	env.close()
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "usage: roundctl %s %s\n", cmd.name, cmd.args)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "roundctl %s: %v\n", cmd.name, err)
		os.Exit(1)
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintln(w, "usage: roundctl [flags] <command> [args]")
	fmt.Fprintln(w, "\ncommands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %s %s\n", c.name, c.args)
	}
	fmt.Fprintln(w, "\nflags:")
	flag.PrintDefaults()
}

type usageError struct{}

func (usageError) Error() string { return "bad arguments" }
