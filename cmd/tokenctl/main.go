// Command tokenctl manages the bearer tokens devices present to the proxy.
//
//	tokenctl issue <owner-id>
//	tokenctl revoke <token-id>
//	tokenctl list
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"adas-system/driver-monitor/internal/auth"
	"adas-system/driver-monitor/internal/config"
	"adas-system/driver-monitor/internal/database"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: tokenctl issue <owner-id> | revoke <token-id> | list")
	}

	cfg := config.LoadConfig()
	config.SetupLogger(os.Stderr, "WARN", false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Open(ctx, cfg.DBDriver, cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	repo := database.NewTokenRepo(db)

	switch args[0] {
	case "issue":
		if len(args) != 2 {
			return errors.New("usage: tokenctl issue <owner-id>")
		}
		plain, tok, err := auth.Generate(args[1], 0)
		if err != nil {
			return err
		}
		if err := repo.Create(ctx, tok); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "issued token %s for %s; it will not be shown again\n", tok.ID, tok.OwnerID)
		fmt.Println(plain)
		return nil

	case "revoke":
		if len(args) != 2 {
			return errors.New("usage: tokenctl revoke <token-id>")
		}
		if err := repo.Revoke(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("revoked", args[1])
		return nil

	case "list":
		tokens, err := repo.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tCREATED\tREVOKED")
		for _, t := range tokens {
			revoked := "-"
			if t.RevokedAt != nil {
				revoked = t.RevokedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.OwnerID, t.CreatedAt.Format(time.RFC3339), revoked)
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
