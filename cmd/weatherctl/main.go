// Command weatherctl queries weather series, geocoding and cache keys from the terminal,
// through the same client, cache and configuration as the HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	ctx := context.Background()
	app := newApp(os.Stdout, openService)
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
