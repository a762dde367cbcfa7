package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"stock-ledger/internal/observability"
)

func TestNewLogger(t *testing.T) {
	log, err := observability.NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	_, err = observability.NewLogger("chatty")
	assert.Error(t, err)
}

func TestSetup_WithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := observability.Setup(context.Background(), "", "stock-ledger")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
