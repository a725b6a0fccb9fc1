package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	configManager := NewConfigManager()
	if err := configManager.ParseFlags(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	server := NewRedisServer(configManager)

	if err := server.LoadRDB(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := server.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	select {}
}
