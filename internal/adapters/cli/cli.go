// Package cli implements the stockctl subcommands on top of the ApplicationService.
package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stock-ledger/internal/app"
)

// Env is what every command receives through Commander.Execute.
type Env struct {
	Svc   app.ApplicationService
	Out   io.Writer
	Log   *zap.Logger
	Actor string

	// Consumer settings for the consume command.
	RedisURL    string
	RedisStream string
}

// Register adds every stockctl command to c.
func Register(c *subcommands.Commander) {
	c.Register(c.HelpCommand(), "")
	c.Register(c.FlagsCommand(), "")
	c.Register(c.CommandsCommand(), "")

	c.Register(&receiveCmd{}, "movements")
	c.Register(&issueCmd{}, "movements")
	c.Register(&adjustCmd{}, "movements")
	c.Register(&transferCmd{}, "movements")

	c.Register(&reserveCmd{}, "reservations")
	c.Register(&commitCmd{}, "reservations")
	c.Register(&releaseCmd{}, "reservations")
	c.Register(&showReservationCmd{}, "reservations")
	c.Register(&expireCmd{}, "reservations")

	c.Register(&levelCmd{}, "queries")
	c.Register(&levelsCmd{}, "queries")
	c.Register(&movementsCmd{}, "queries")
	c.Register(&reconcileCmd{}, "queries")

	c.Register(&outboxCmd{}, "operations")
	c.Register(&schemaCmd{}, "operations")
	c.Register(&consumeCmd{}, "operations")
}

// envFrom extracts the Env passed to Commander.Execute.
func envFrom(args []interface{}) (*Env, error) {
	for _, a := range args {
		if env, ok := a.(*Env); ok {
			if env.Out == nil {
				env.Out = os.Stdout
			}
			if env.Log == nil {
				env.Log = zap.NewNop()
			}
			return env, nil
		}
	}
	return nil, fmt.Errorf("command run without an environment")
}

// decimalValue lets decimals be passed as flags.
type decimalValue struct{ d *decimal.Decimal }

func (v decimalValue) String() string {
	if v.d == nil {
		return "0"
	}
	return v.d.String()
}

func (v decimalValue) Set(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("not a decimal: %q", s)
	}
	*v.d = d
	return nil
}

// optionalDecimal is a decimal flag that records whether it was given.
type optionalDecimal struct{ d *decimal.Decimal }

func (v *optionalDecimal) String() string {
	if v.d == nil {
		return ""
	}
	return v.d.String()
}

func (v *optionalDecimal) Set(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("not a decimal: %q", s)
	}
	v.d = &d
	return nil
}

// referenceFlags registers -ref-kind and -ref-id.
func referenceFlags(f *flag.FlagSet, ref *app.ReferenceInput) {
	f.StringVar(&ref.Kind, "ref-kind", "", "reference kind: SALE, PURCHASE_ORDER, TRANSFER, PROJECT_CONSUMPTION, ADJUSTMENT or OTHER:<TAG>")
	f.StringVar(&ref.ID, "ref-id", "", "reference document id")
}

// batchFlags registers -lot and -expires.
func batchFlags(f *flag.FlagSet, b *app.BatchInput) {
	f.StringVar(&b.LotNumber, "lot", "", "lot number")
	f.StringVar(&b.ExpiresOn, "expires", "", "lot expiry date (YYYY-MM-DD)")
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// fail prints err to stderr and maps it to an exit status.
func fail(what string, err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	return subcommands.ExitFailure
}

func usage(msg string) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitUsageError
}

func printLevels(w io.Writer, res *app.StockListResult) {
	fmt.Fprintln(w, strings.Repeat("=", 86))
	fmt.Fprintf(w, "  %-14s %-12s %12s %12s %12s %14s\n", "ITEM", "LOCATION", "ON HAND", "RESERVED", "AVAILABLE", "AVG COST")
	fmt.Fprintln(w, strings.Repeat("-", 86))
	for _, l := range res.Levels {
		fmt.Fprintf(w, "  %-14s %-12s %12s %12s %12s %14s\n",
			l.ItemID, l.LocationID, l.Quantity, l.Reserved, l.Available, l.AverageUnitCost.StringFixed(4))
	}
	fmt.Fprintln(w, strings.Repeat("=", 86))
	fmt.Fprintf(w, "  %d level(s)\n", len(res.Levels))
}

func printMovements(w io.Writer, res *app.MovementListResult) {
	fmt.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "  %-20s %-10s %-8s %-13s %10s %10s %12s  %s\n", "AT", "ITEM", "LOC", "TYPE", "CHANGE", "AFTER", "UNIT COST", "REFERENCE")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, m := range res.Movements {
		fmt.Fprintf(w, "  %-20s %-10s %-8s %-13s %10s %10s %12s  %s\n",
			m.CreatedAt.Format("2006-01-02 15:04:05"), m.ItemID, m.LocationID, m.Type,
			m.QuantityChange, m.QuantityAfter, m.UnitCost.StringFixed(4), m.Reference)
	}
	fmt.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "  %d movement(s)\n", len(res.Movements))
}

// run is the shared Execute body: resolve the env, then call fn.
func run(args []interface{}, fn func(env *Env) subcommands.ExitStatus) subcommands.ExitStatus {
	env, err := envFrom(args)
	if err != nil {
		return fail("stockctl", err)
	}
	return fn(env)
}

