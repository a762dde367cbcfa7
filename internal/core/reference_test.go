package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReferenceKind(t *testing.T) {
	k, err := ParseReferenceKind("sale")
	require.NoError(t, err)
	assert.Equal(t, RefSale, k)

	k, err = ParseReferenceKind(" PURCHASE_ORDER ")
	require.NoError(t, err)
	assert.Equal(t, RefPurchaseOrder, k)

	k, err = ParseReferenceKind("other:warranty")
	require.NoError(t, err)
	assert.Equal(t, ReferenceKind("OTHER:WARRANTY"), k)
	assert.True(t, k.IsOther())
	assert.Equal(t, "WARRANTY", k.OtherTag())
	assert.True(t, k.Valid())

	k, err = ParseReferenceKind("")
	require.NoError(t, err)
	assert.Empty(t, k)

	_, err = ParseReferenceKind("OTHER:")
	assert.Error(t, err)
	_, err = ParseReferenceKind("gift")
	assert.Error(t, err)
}

func TestReferenceString(t *testing.T) {
	assert.Equal(t, "SALE/SO-1", Reference{Kind: RefSale, ID: "SO-1"}.String())
	assert.Equal(t, "loose", Reference{ID: "loose"}.String())
	assert.False(t, ReferenceKind("OTHER:").Valid())
	assert.Empty(t, RefTransfer.OtherTag())
}
