package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := execScriptbridge(contextProcess(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "scriptbridge:", err)
		os.Exit(1)
	}
}

func execScriptbridge(ctx context.Context, args []string) error {
	cmd := NewCommand(&App{Context: ctx})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func contextProcess() context.Context {
	ch := make(chan os.Signal, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ch
		cancel()
	}()
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	return ctx
}
