// Command condadocker builds a Docker v1 image tar containing an
// installed package environment, without talking to a Docker daemon.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/conda-incubator/conda-docker/cmd/condadocker/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	root := cmd.NewRoot()
	if len(os.Args) < 2 {
		root.Help()
		os.Exit(1)
	}

	if err := root.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
