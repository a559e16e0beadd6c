// Command firepit is a thin front-end over the firepit store, built the
// way the teacher built its single-purpose database CLIs: go-flags for
// option parsing, one subcommand per public operation, plain
// fmt/tabwriter output rather than a dedicated table-formatting
// dependency.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/raymundl/firepit"
)

// options holds the flags every subcommand shares: which database to open
// and which session namespace within it (spec §6's FIREPITDB/FIREPITID).
type options struct {
	DB      string `long:"db" env:"FIREPITDB" description:"Database target (file path, sqlite://..., or postgres://...)"`
	Session string `long:"session" env:"FIREPITID" description:"Session id" default:"firepit"`
}

var opts options

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[options] <command> [args...]"

	registerCommands(parser)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*firepit.Store, error) {
	if opts.DB == "" {
		return nil, fmt.Errorf("no database given: set --db or FIREPITDB")
	}
	return firepit.GetStorage(ctx, opts.DB, opts.Session)
}

// rootContext returns a context canceled on SIGINT/SIGTERM, the same
// graceful-shutdown hook the teacher's longer-running commands use.
func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseJSONRecords decodes a JSON array of records from path, or stdin
// when path is "-", for load/reassign (spec §6's "list of flat records").
func parseJSONRecords(path string) ([]map[string]any, error) {
	f := os.Stdin
	if path != "-" && path != "" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}
	var records []map[string]any
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	return records, nil
}

func splitCols(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
