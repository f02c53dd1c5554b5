// migrate applies the Postgres session store schema from embedded SQL.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/config"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/db/migrate"
)

func main() {
	direction := pflag.String("direction", "up", "Migration direction: up or down")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
