package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"equiroute/cmd/equiroute/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &commands.AppContext{}
	if err := commands.NewRootCmd(app).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
