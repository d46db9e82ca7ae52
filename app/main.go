package main

import (
	"fmt"
	"log"
	"os"

	"github.com/cappuccinotm/hookrelay/app/cmd"
	"github.com/cappuccinotm/hookrelay/pkg/logx"
	"github.com/hashicorp/logutils"
	"github.com/jessevdk/go-flags"
)

// Opts describes cli commands, arguments and flags of the application.
type Opts struct {
	Debug bool `long:"dbg" env:"DEBUG" description:"turn on debug mode"`
}

var version = "unknown"

func main() {
	fmt.Printf("hookrelay, version: %s\n", version)

	var opts Opts
	p := flags.NewParser(&opts, flags.Default)
	p.CommandHandler = func(command flags.Commander, args []string) error {
		setupLog(opts.Debug)

		c := command.(cmd.CommonOptionsCommander)
		c.SetCommon(cmd.CommonOpts{Version: version, Logger: logx.Default()})

		if err := c.Execute(args); err != nil {
			log.Printf("[ERROR] failed to execute command %+v", err)
		}
		return nil
	}

	if _, err := p.AddCommand("run", "start the delivery engine", "", &cmd.Run{}); err != nil {
		log.Printf("[ERROR] failed to register run command: %v", err)
		os.Exit(1)
	}
	if _, err := p.AddCommand("purge", "run a single retention sweep", "", &cmd.Purge{}); err != nil {
		log.Printf("[ERROR] failed to register purge command: %v", err)
		os.Exit(1)
	}

	// after failure command does not return non-zero code
	if _, err := p.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		} else {
			os.Exit(1)
		}
	}
}

func setupLog(dbg bool) {
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: "INFO",
		Writer:   os.Stdout,
	}

	logFlags := log.Ldate | log.Ltime

	if dbg {
		logFlags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Llongfile
		filter.MinLevel = "DEBUG"
	}

	log.SetFlags(logFlags)
	log.SetOutput(filter)
}
