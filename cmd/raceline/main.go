package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/raceline/internal/db"
	"github.com/banshee-data/raceline/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "run":
		err = runCommand(args, os.Stdout)
	case "suite":
		err = suiteCommand(args, os.Stdout)
	case "tune":
		err = tuneCommand(args, os.Stdout)
	case "runs":
		err = runsCommand(args, os.Stdout)
	case "serve":
		err = serveCommand(args)
	case "migrate":
		err = migrateCommand(args)
	case "version":
		printVersion(os.Stdout)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, version.String())
}

func printUsage() {
	fmt.Println(`raceline - raceline tracking controller simulator and tuner

Usage: raceline <command> [options]

Commands:
  run        Drive one lap and write its report
  suite      Drive every configured track and score the controller
  tune       Search controller gains over the configured tracks
  runs       List stored runs
  serve      Serve stored runs and tuning sessions over HTTP
  migrate    Manage database schema (up, down, status, version, force)
  version    Show version information
  help       Show this help message

Common Flags:
  -config <file>   Run configuration (default: ` + defaultConfigHint + `)
  -db <path>       SQLite run store (default from config)
  -out <dir>       Report output directory (default from config)
  -units <unit>    Speed units for tables and pages: mps, kmph, mph

Examples:
  # One lap on the configured oval with pure pursuit
  raceline run -track oval

  # Stanley controller on custom files, no plots, not stored
  raceline run -controller stanley -track-file t.csv -raceline-file r.csv -no-plots -no-store

  # Tune with Nelder-Mead for at most 100 evaluations
  raceline tune -strategy nelder_mead -max-evals 100 -save best.json

  # Browse results
  raceline serve -listen :8080`)
}

func migrateCommand(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		db.PrintMigrateHelp()
		return fmt.Errorf("missing migrate action")
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	db.RunMigrateCommand(fs.Args(), c.dbPathOr(cfg))
	return nil
}
