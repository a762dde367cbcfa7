package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stock-ledger/internal/adapters/cli"
	"stock-ledger/internal/app"
	"stock-ledger/internal/core"
	"stock-ledger/internal/memstore"
)

type harness struct {
	env *cli.Env
	out *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	catalog := memstore.NewCatalog().
		AddItem("X", decimal.NewFromInt(5)).
		AddLocation("loc1", "loc2")
	svc := core.NewInventoryService(store, core.Config{
		Logger:    zaptest.NewLogger(t),
		Items:     catalog,
		Locations: catalog,
	})
	out := &bytes.Buffer{}
	return &harness{
		env: &cli.Env{
			Svc:   app.NewAppService(svc, store, zaptest.NewLogger(t)),
			Out:   out,
			Log:   zaptest.NewLogger(t),
			Actor: "ops",
		},
		out: out,
	}
}

// run executes one stockctl invocation and returns its exit status and stdout.
func (h *harness) run(t *testing.T, args ...string) (subcommands.ExitStatus, string) {
	t.Helper()
	h.out.Reset()
	fs := flag.NewFlagSet("stockctl", flag.ContinueOnError)
	cmdr := subcommands.NewCommander(fs, "stockctl")
	cli.Register(cmdr)
	require.NoError(t, fs.Parse(args))
	status := cmdr.Execute(context.Background(), h.env)
	return status, h.out.String()
}

func TestReceiveIssueAndLevels(t *testing.T) {
	h := newHarness(t)

	status, out := h.run(t, "receive", "-item", "X", "-location", "loc1", "-qty", "100", "-cost", "10",
		"-ref-kind", "purchase_order", "-ref-id", "PO-1", "-lot", "L-1")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	var res app.MovementResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "ops", res.Movement.Actor)
	require.NotNil(t, res.Movement.Batch)
	assert.Equal(t, "L-1", res.Movement.Batch.LotNumber)

	status, out = h.run(t, "issue", "-item", "X", "-location", "loc1", "-qty", "30")
	require.Equal(t, subcommands.ExitSuccess, status, out)

	status, out = h.run(t, "levels")
	require.Equal(t, subcommands.ExitSuccess, status)
	assert.Contains(t, out, "ITEM")
	assert.Contains(t, out, "1 level(s)")
	assert.Contains(t, out, "10.0000")

	status, out = h.run(t, "movements", "-item", "X", "-json")
	require.Equal(t, subcommands.ExitSuccess, status)
	var list app.MovementListResult
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list.Movements, 2)

	status, _ = h.run(t, "reconcile")
	assert.Equal(t, subcommands.ExitSuccess, status)
}

func TestIssueInsufficientStockFails(t *testing.T) {
	h := newHarness(t)
	status, _ := h.run(t, "issue", "-item", "X", "-location", "loc1", "-qty", "1")
	assert.Equal(t, subcommands.ExitFailure, status)
}

func TestAdjustRequiresReason(t *testing.T) {
	h := newHarness(t)
	status, _ := h.run(t, "adjust", "-item", "X", "-location", "loc1", "-delta", "5")
	assert.Equal(t, subcommands.ExitUsageError, status)

	status, out := h.run(t, "adjust", "-item", "X", "-location", "loc1", "-delta", "5", "-reason", "count", "-cost", "2")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, `"type": "ADJUSTMENT"`)
}

func TestReservationCommands(t *testing.T) {
	h := newHarness(t)
	status, _ := h.run(t, "receive", "-item", "X", "-location", "loc1", "-qty", "10", "-cost", "1")
	require.Equal(t, subcommands.ExitSuccess, status)

	status, out := h.run(t, "reserve", "-item", "X", "-location", "loc1", "-qty", "4", "-ttl", "1h")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	var r app.ReservationResult
	require.NoError(t, json.Unmarshal([]byte(out), &r))

	status, out = h.run(t, "commit", r.ID)
	require.Equal(t, subcommands.ExitSuccess, status, out)

	status, out = h.run(t, "reservation", r.ID)
	require.Equal(t, subcommands.ExitSuccess, status)
	assert.Contains(t, out, `"state": "COMMITTED"`)

	status, _ = h.run(t, "commit")
	assert.Equal(t, subcommands.ExitUsageError, status)

	status, out = h.run(t, "expire")
	require.Equal(t, subcommands.ExitSuccess, status)
	assert.Contains(t, out, "Expired 0 reservation(s).")
}

func TestTransferOutboxAndSchema(t *testing.T) {
	h := newHarness(t)
	status, _ := h.run(t, "receive", "-item", "X", "-location", "loc1", "-qty", "2", "-cost", "3")
	require.Equal(t, subcommands.ExitSuccess, status)
	status, out := h.run(t, "transfer", "-item", "X", "-from", "loc1", "-to", "loc2", "-qty", "2")
	require.Equal(t, subcommands.ExitSuccess, status, out)

	status, out = h.run(t, "outbox")
	require.Equal(t, subcommands.ExitSuccess, status)
	assert.Contains(t, out, `"pending": 3`)

	status, out = h.run(t, "schema")
	require.Equal(t, subcommands.ExitSuccess, status)
	assert.Contains(t, out, core.TopicStockLevelChanged)

	status, _ = h.run(t, "consume")
	assert.Equal(t, subcommands.ExitUsageError, status, "REDIS_URL unset")
}

func TestBadDecimalFlag(t *testing.T) {
	h := newHarness(t)
	status, _ := h.run(t, "receive", "-item", "X", "-location", "loc1", "-qty", "lots")
	assert.Equal(t, subcommands.ExitUsageError, status)
}

func TestCommandWithoutEnvFails(t *testing.T) {
	fs := flag.NewFlagSet("stockctl", flag.ContinueOnError)
	cmdr := subcommands.NewCommander(fs, "stockctl")
	cli.Register(cmdr)
	require.NoError(t, fs.Parse([]string{"expire"}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, subcommands.ExitFailure, cmdr.Execute(ctx))
}
