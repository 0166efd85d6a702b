package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"gitlab.ozon.dev/qwestard/marketplace/internal/app"
	"gitlab.ozon.dev/qwestard/marketplace/internal/config"
	"gitlab.ozon.dev/qwestard/marketplace/internal/handler"
)

// marketctl runs one job when given arguments, otherwise reads commands from stdin.
func main() {
	cfg := config.LoadConfig()
	ctx := context.Background()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Error in connection to db: %v", err)
	}
	defer a.Close()

	h := handler.New(a.Sweeper, a.Sync, a.Reconciler, os.Stdout)

	if len(os.Args) > 1 {
		if err := h.Execute(ctx, os.Args[1], os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			a.Close()
			os.Exit(1)
		}
		return
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "exit" {
			return
		}
		if err := h.Execute(ctx, parts[0], parts[1:]); err != nil {
			fmt.Println(err)
		}
	}
}
