package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"stock-ledger/internal/app"
	"stock-ledger/internal/bus"
	"stock-ledger/internal/core"
)

// ── Movements ─────────────────────────────────────────────────────────────────

type receiveCmd struct {
	req app.ReceiveStockRequest
	lot app.BatchInput
}

func (*receiveCmd) Name() string     { return "receive" }
func (*receiveCmd) Synopsis() string { return "book a goods receipt" }
func (*receiveCmd) Usage() string {
	return `stockctl receive -item <id> -location <id> -qty <n> -cost <unit cost> [-ref-kind K -ref-id ID] [-lot L -expires YYYY-MM-DD]
`
}

func (c *receiveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.req.ItemID, "item", "", "item id")
	f.StringVar(&c.req.LocationID, "location", "", "location id")
	f.Var(decimalValue{&c.req.Quantity}, "qty", "quantity received")
	f.Var(decimalValue{&c.req.UnitCost}, "cost", "unit cost of the received quantity")
	f.StringVar(&c.req.Notes, "notes", "", "free-form notes")
	referenceFlags(f, &c.req.Reference)
	batchFlags(f, &c.lot)
}

func (c *receiveCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		c.req.Actor = env.Actor
		c.req.Batch = &c.lot
		res, err := env.Svc.ReceiveStock(ctx, c.req)
		if err != nil {
			return fail("receive", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type issueCmd struct {
	req app.IssueStockRequest
	lot app.BatchInput
}

func (*issueCmd) Name() string     { return "issue" }
func (*issueCmd) Synopsis() string { return "book a goods issue at the average cost" }
func (*issueCmd) Usage() string {
	return `stockctl issue -item <id> -location <id> -qty <n> [-ref-kind K -ref-id ID] [-backorder]

  A PROJECT_CONSUMPTION reference records the issue as consumption.
`
}

func (c *issueCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.req.ItemID, "item", "", "item id")
	f.StringVar(&c.req.LocationID, "location", "", "location id")
	f.Var(decimalValue{&c.req.Quantity}, "qty", "quantity issued")
	f.StringVar(&c.req.Notes, "notes", "", "free-form notes")
	f.BoolVar(&c.req.AllowBackorder, "backorder", false, "allow on-hand to go negative")
	referenceFlags(f, &c.req.Reference)
	batchFlags(f, &c.lot)
}

func (c *issueCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		c.req.Actor = env.Actor
		c.req.Batch = &c.lot
		res, err := env.Svc.IssueStock(ctx, c.req)
		if err != nil {
			return fail("issue", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type adjustCmd struct {
	req  app.AdjustStockRequest
	cost optionalDecimal
	lot  app.BatchInput
}

func (*adjustCmd) Name() string     { return "adjust" }
func (*adjustCmd) Synopsis() string { return "apply a signed stock correction" }
func (*adjustCmd) Usage() string {
	return `stockctl adjust -item <id> -location <id> -delta <±n> -reason <text> [-cost <unit cost>]
`
}

func (c *adjustCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.req.ItemID, "item", "", "item id")
	f.StringVar(&c.req.LocationID, "location", "", "location id")
	f.Var(decimalValue{&c.req.Delta}, "delta", "signed quantity change")
	f.Var(&c.cost, "cost", "unit cost for a positive delta (default: current average)")
	f.StringVar(&c.req.Reason, "reason", "", "reason for the adjustment")
	f.StringVar(&c.req.ReferenceID, "ref-id", "", "count sheet or document id")
	f.BoolVar(&c.req.AllowBackorder, "backorder", false, "allow on-hand to go negative")
	batchFlags(f, &c.lot)
}

func (c *adjustCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		if c.req.Reason == "" {
			return usage("adjust: -reason is required")
		}
		c.req.Actor = env.Actor
		c.req.UnitCost = c.cost.d
		c.req.Batch = &c.lot
		res, err := env.Svc.AdjustStock(ctx, c.req)
		if err != nil {
			return fail("adjust", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type transferCmd struct {
	req app.TransferStockRequest
}

func (*transferCmd) Name() string     { return "transfer" }
func (*transferCmd) Synopsis() string { return "move stock between two locations" }
func (*transferCmd) Usage() string {
	return `stockctl transfer -item <id> -from <location> -to <location> -qty <n>
`
}

func (c *transferCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.req.ItemID, "item", "", "item id")
	f.StringVar(&c.req.FromLocationID, "from", "", "source location id")
	f.StringVar(&c.req.ToLocationID, "to", "", "destination location id")
	f.Var(decimalValue{&c.req.Quantity}, "qty", "quantity to move")
	f.StringVar(&c.req.Notes, "notes", "", "free-form notes")
}

func (c *transferCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		c.req.Actor = env.Actor
		res, err := env.Svc.TransferStock(ctx, c.req)
		if err != nil {
			return fail("transfer", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

// ── Reservations ──────────────────────────────────────────────────────────────

type reserveCmd struct {
	req app.ReserveStockRequest
}

func (*reserveCmd) Name() string     { return "reserve" }
func (*reserveCmd) Synopsis() string { return "earmark available stock" }
func (*reserveCmd) Usage() string {
	return `stockctl reserve -item <id> -location <id> -qty <n> [-ttl 30m] [-ref-kind K -ref-id ID]
`
}

func (c *reserveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.req.ItemID, "item", "", "item id")
	f.StringVar(&c.req.LocationID, "location", "", "location id")
	f.Var(decimalValue{&c.req.Quantity}, "qty", "quantity to reserve")
	f.StringVar(&c.req.TTL, "ttl", "", "time to live (default: service setting)")
	referenceFlags(f, &c.req.Reference)
}

func (c *reserveCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		c.req.Actor = env.Actor
		res, err := env.Svc.ReserveStock(ctx, c.req)
		if err != nil {
			return fail("reserve", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type commitCmd struct{}

func (*commitCmd) Name() string             { return "commit" }
func (*commitCmd) Synopsis() string         { return "turn a reservation into an issue" }
func (*commitCmd) Usage() string            { return "stockctl commit <reservation id>\n" }
func (*commitCmd) SetFlags(_ *flag.FlagSet) {}

func (c *commitCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		if f.NArg() != 1 {
			return usage(c.Usage())
		}
		res, err := env.Svc.CommitReservation(ctx, f.Arg(0), env.Actor)
		if err != nil {
			return fail("commit", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type releaseCmd struct{}

func (*releaseCmd) Name() string             { return "release" }
func (*releaseCmd) Synopsis() string         { return "drop a reservation's hold" }
func (*releaseCmd) Usage() string            { return "stockctl release <reservation id>\n" }
func (*releaseCmd) SetFlags(_ *flag.FlagSet) {}

func (c *releaseCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		if f.NArg() != 1 {
			return usage(c.Usage())
		}
		res, err := env.Svc.ReleaseReservation(ctx, f.Arg(0), env.Actor)
		if err != nil {
			return fail("release", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type showReservationCmd struct{}

func (*showReservationCmd) Name() string             { return "reservation" }
func (*showReservationCmd) Synopsis() string         { return "show one reservation" }
func (*showReservationCmd) Usage() string            { return "stockctl reservation <reservation id>\n" }
func (*showReservationCmd) SetFlags(_ *flag.FlagSet) {}

func (c *showReservationCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		if f.NArg() != 1 {
			return usage(c.Usage())
		}
		res, err := env.Svc.GetReservation(ctx, f.Arg(0))
		if err != nil {
			return fail("reservation", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type expireCmd struct{}

func (*expireCmd) Name() string             { return "expire" }
func (*expireCmd) Synopsis() string         { return "run one reservation expiry sweep" }
func (*expireCmd) Usage() string            { return "stockctl expire\n" }
func (*expireCmd) SetFlags(_ *flag.FlagSet) {}

func (c *expireCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		n, err := env.Svc.ExpireReservations(ctx)
		if err != nil {
			return fail("expire", err)
		}
		fmt.Fprintf(env.Out, "Expired %d reservation(s).\n", n)
		return subcommands.ExitSuccess
	})
}

// ── Queries ───────────────────────────────────────────────────────────────────

type levelCmd struct{}

func (*levelCmd) Name() string             { return "level" }
func (*levelCmd) Synopsis() string         { return "show one stock level" }
func (*levelCmd) Usage() string            { return "stockctl level <item id> <location id>\n" }
func (*levelCmd) SetFlags(_ *flag.FlagSet) {}

func (c *levelCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		if f.NArg() != 2 {
			return usage(c.Usage())
		}
		res, err := env.Svc.GetStockLevel(ctx, f.Arg(0), f.Arg(1))
		if err != nil {
			return fail("level", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type levelsCmd struct {
	item, location string
	asJSON         bool
}

func (*levelsCmd) Name() string     { return "levels" }
func (*levelsCmd) Synopsis() string { return "list stock levels" }
func (*levelsCmd) Usage() string {
	return "stockctl levels [-item <id>] [-location <id>] [-json]\n"
}

func (c *levelsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.item, "item", "", "only this item")
	f.StringVar(&c.location, "location", "", "only this location")
	f.BoolVar(&c.asJSON, "json", false, "print JSON instead of a table")
}

func (c *levelsCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		res, err := env.Svc.ListStockLevels(ctx, c.item, c.location)
		if err != nil {
			return fail("levels", err)
		}
		if c.asJSON {
			printJSON(env.Out, res)
		} else {
			printLevels(env.Out, res)
		}
		return subcommands.ExitSuccess
	})
}

type movementsCmd struct {
	q      app.MovementQuery
	asJSON bool
}

func (*movementsCmd) Name() string     { return "movements" }
func (*movementsCmd) Synopsis() string { return "query the movement ledger" }
func (*movementsCmd) Usage() string {
	return `stockctl movements [-item <id>] [-location <id>] [-from RFC3339] [-to RFC3339] [-ref-kind K] [-limit n] [-json]
`
}

func (c *movementsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.q.ItemID, "item", "", "only this item")
	f.StringVar(&c.q.LocationID, "location", "", "only this location")
	f.StringVar(&c.q.From, "from", "", "earliest timestamp (inclusive)")
	f.StringVar(&c.q.To, "to", "", "latest timestamp (inclusive)")
	f.StringVar(&c.q.ReferenceKind, "ref-kind", "", "only this reference kind")
	f.IntVar(&c.q.Limit, "limit", 0, "maximum rows (0 = all)")
	f.BoolVar(&c.asJSON, "json", false, "print JSON instead of a table")
}

func (c *movementsCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		res, err := env.Svc.ListMovements(ctx, c.q)
		if err != nil {
			return fail("movements", err)
		}
		if c.asJSON {
			printJSON(env.Out, res)
		} else {
			printMovements(env.Out, res)
		}
		return subcommands.ExitSuccess
	})
}

type reconcileCmd struct{}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "compare levels with the movement ledger" }
func (*reconcileCmd) Usage() string {
	return `stockctl reconcile [<item id> <location id>]

  Without arguments every level is checked. Exits non-zero when any level drifted.
`
}
func (*reconcileCmd) SetFlags(_ *flag.FlagSet) {}

func (c *reconcileCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		switch f.NArg() {
		case 0:
			res, err := env.Svc.ReconcileAll(ctx)
			if err != nil {
				return fail("reconcile", err)
			}
			printJSON(env.Out, res)
			if res.Drifted > 0 {
				return subcommands.ExitFailure
			}
		case 2:
			res, err := env.Svc.Reconcile(ctx, f.Arg(0), f.Arg(1))
			if err != nil {
				return fail("reconcile", err)
			}
			printJSON(env.Out, res)
			if !res.InSync {
				return subcommands.ExitFailure
			}
		default:
			return usage(c.Usage())
		}
		return subcommands.ExitSuccess
	})
}

// ── Operations ────────────────────────────────────────────────────────────────

type outboxCmd struct{}

func (*outboxCmd) Name() string             { return "outbox" }
func (*outboxCmd) Synopsis() string         { return "show outbox delivery statistics" }
func (*outboxCmd) Usage() string            { return "stockctl outbox\n" }
func (*outboxCmd) SetFlags(_ *flag.FlagSet) {}

func (c *outboxCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		res, err := env.Svc.GetOutboxStats(ctx)
		if err != nil {
			return fail("outbox", err)
		}
		printJSON(env.Out, res)
		return subcommands.ExitSuccess
	})
}

type schemaCmd struct{}

func (*schemaCmd) Name() string             { return "schema" }
func (*schemaCmd) Synopsis() string         { return "print the JSON schema of published events" }
func (*schemaCmd) Usage() string            { return "stockctl schema\n" }
func (*schemaCmd) SetFlags(_ *flag.FlagSet) {}

func (c *schemaCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		raw, err := env.Svc.EventSchema()
		if err != nil {
			return fail("schema", err)
		}
		fmt.Fprintln(env.Out, string(raw))
		return subcommands.ExitSuccess
	})
}

type consumeCmd struct {
	group     string
	name      string
	dedupeTTL time.Duration
}

func (*consumeCmd) Name() string     { return "consume" }
func (*consumeCmd) Synopsis() string { return "tail the Redis event stream, applying each change once" }
func (*consumeCmd) Usage() string {
	return `stockctl consume [-group stockctl] [-name <consumer>] [-dedupe-ttl 168h]

  Reads REDIS_STREAM through a consumer group and prints each change once,
  skipping redeliveries by movement id (or event id for reservation-only changes).
`
}

func (c *consumeCmd) SetFlags(f *flag.FlagSet) {
	host, _ := os.Hostname()
	f.StringVar(&c.group, "group", "stockctl", "consumer group")
	f.StringVar(&c.name, "name", "stockctl-"+host, "consumer name within the group")
	f.DurationVar(&c.dedupeTTL, "dedupe-ttl", 7*24*time.Hour, "how long applied keys are remembered")
}

func (c *consumeCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return run(args, func(env *Env) subcommands.ExitStatus {
		if env.RedisURL == "" {
			return usage("consume: REDIS_URL is not set")
		}
		client, err := bus.NewRedisClient(ctx, env.RedisURL)
		if err != nil {
			return fail("consume", err)
		}
		defer client.Close()

		dedupe := bus.NewRedisDeduplicator(client, "stock-ledger:"+c.group+":", c.dedupeTTL)
		consumer := bus.NewConsumer(dedupe, func(_ context.Context, e core.StockLevelChanged) error {
			fmt.Fprintln(env.Out, formatChange(e))
			return nil
		}, env.Log)
		reader := bus.NewRedisStreamReader(client, env.RedisStream, c.group, c.name, consumer, env.Log)
		if err := reader.Run(ctx); err != nil {
			return fail("consume", err)
		}
		applied, skipped := consumer.Stats()
		fmt.Fprintf(env.Out, "Applied %d change(s), skipped %d duplicate(s).\n", applied, skipped)
		return subcommands.ExitSuccess
	})
}

func formatChange(e core.StockLevelChanged) string {
	kind := string(e.MovementType)
	if kind == "" {
		kind = "RESERVATION"
	}
	delta := e.NewQty.Sub(e.PreviousQty)
	sign := ""
	if delta.GreaterThan(decimal.Zero) {
		sign = "+"
	}
	return fmt.Sprintf("%s %-13s %s@%s %s%s -> %s (reserved %s)",
		e.Timestamp.Format(time.RFC3339), kind, e.ItemID, e.LocationID, sign, delta, e.NewQty, e.ReservedQty)
}
