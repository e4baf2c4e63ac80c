package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/parleyapp/parley/internal/app"
	"github.com/parleyapp/parley/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	tokenFlag := flag.String("token", "", "store a new auth token for the session before starting")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *tokenFlag != "" {
		if err := session.SaveToken(sessionName, *tokenFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	fx.New(
		app.Module(app.Params{SessionName: sessionName}),
		fx.NopLogger,
	).Run()
}
