package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/endomorphosis/ccpointers/cmd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := cmd.New()

	if err := c.Run(context.Background(), os.Args); err != nil {
		log.Printf("error running the application: %s", err)

		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			return coder.ExitCode()
		}

		return 1
	}

	return 0
}
