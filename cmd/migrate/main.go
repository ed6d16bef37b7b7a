// Command migrate prepares the sqlite idempotency store ahead of a deploy and
// prunes rows older than the dedup window.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"docrelay/internal/constants"
	"docrelay/internal/database"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		logrus.Fatalf("Migration failed: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", constants.DefaultDedupDBPath, "Path to the idempotency database")
	prune := fs.Bool("prune", false, "Delete records older than -ttl")
	ttl := fs.Duration("ttl", constants.DefaultDedupTTLSec*time.Second, "Dedup window used by -prune")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// New applies the embedded schema, which is idempotent.
	db, err := database.New(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Fprintf(out, "Schema applied to %s\n", *dbPath)

	if *prune {
		removed, err := db.DeleteProcessedBefore(ctx, time.Now().Add(-*ttl))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Pruned %d expired records\n", removed)
	}

	n, err := db.CountProcessed(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d records in the dedup window\n", n)
	return nil
}
