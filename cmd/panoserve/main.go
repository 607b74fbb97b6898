package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/danmuck/panostream/internal/logging"
	"github.com/danmuck/panostream/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "panoserve: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, fs, err := resolveConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if help, _ := fs.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: panoserve [flags]\n\n%s", fs.FlagUsages())
		return nil
	}
	if err != nil {
		return err
	}

	logging.ConfigureRuntime()
	srv, err := server.Open(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Run()
}
