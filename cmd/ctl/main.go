// Package main is the propagator operator CLI. It issues API tokens and
// prints the propagation decision table.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"propagator/internal/core/tx"
	"propagator/internal/domain/auth"
	"propagator/internal/propagation"
)

// Version is set during build using ldflags
var Version = "dev"

func main() {
	app := &cli.Command{
		Name:    "propagator-ctl",
		Version: Version,
		Usage:   "Operator tools for the propagator API",
		Commands: []*cli.Command{
			tokenCmd,
			{
				Name:  "modes",
				Usage: "Print what each propagation mode does for each ambient status",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return writeModeTable(cmd.Root().Writer)
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var tokenCmd = &cli.Command{
	Name:  "token",
	Usage: "Issue an access token",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "secret",
			Usage:    "HMAC secret shared with the server",
			Sources:  cli.EnvVars("JWT_SECRET"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "subject",
			Aliases:  []string{"s"},
			Usage:    "Token subject",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "role",
			Aliases: []string{"r"},
			Usage:   "Granted role, repeatable",
			Value:   []string{"batch:write", "batch:read"},
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "Token lifetime",
			Value: time.Hour,
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg := auth.DefaultJWTConfig(cmd.String("secret"))
		cfg.AccessTokenTTL = cmd.Duration("ttl")

		token, expiresAt, err := auth.NewJWTService(cfg).GenerateAccessToken(cmd.String("subject"), cmd.StringSlice("role"))
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		fmt.Fprintln(cmd.Root().Writer, token)
		fmt.Fprintf(cmd.Root().ErrWriter, "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

var tableStatuses = []tx.Status{tx.StatusNoTransaction, tx.StatusActive, tx.StatusMarkedRollback}

// writeModeTable prints one row per mode and ambient status.
func writeModeTable(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODE\tSTATUS\tBEFORE\tON SUCCESS\tON FAILURE")

	for _, mode := range propagation.Modes() {
		for _, status := range tableStatuses {
			plan, err := propagation.Resolve(mode, status)
			if err != nil {
				fmt.Fprintf(w, "%s\t%s\trejected\t-\t-\n", mode, status)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mode, status,
				joinActions(plan.PreActions()), joinActions(plan.OnSuccess), joinActions(plan.OnFailure))
		}
	}
	return w.Flush()
}

func joinActions(actions []propagation.Action) string {
	if len(actions) == 0 {
		return "-"
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.String()
	}
	return strings.Join(names, ",")
}
