package ingestion_test

import (
	"encoding/json"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	fp "LendLedger/internal/math"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cmdID  = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	caller = uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	target = uuid.MustParse("770e8400-e29b-41d4-a716-446655440002")
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestParseCommand_Deposit(t *testing.T) {
	cmd, err := ingestion.ParseCommand(mustJSON(t, map[string]interface{}{
		"command_id": cmdID.String(),
		"type":       "deposit",
		"caller":     caller.String(),
		"amount":     "18446744073709551615",
	}))
	require.NoError(t, err)

	assert.Equal(t, cmdID, cmd.ID)
	assert.Equal(t, core.CmdDeposit, cmd.Type)
	assert.Equal(t, caller, cmd.Caller)
	assert.Equal(t, uint64(18446744073709551615), cmd.Amount)
	assert.False(t, cmd.ReceivedAt.IsZero())
}

func TestParseCommand_Liquidate(t *testing.T) {
	cmd, err := ingestion.ParseCommand(mustJSON(t, map[string]interface{}{
		"command_id": cmdID.String(),
		"type":       "liquidate",
		"caller":     caller.String(),
		"target":     target.String(),
		"amount":     "800000000",
	}))
	require.NoError(t, err)

	assert.Equal(t, target, cmd.Target)
	assert.Equal(t, uint64(800_000_000), cmd.Amount)
}

func TestParseCommand_AdminNeedsNoAmount(t *testing.T) {
	cmd, err := ingestion.ParseCommand(mustJSON(t, map[string]interface{}{
		"type":   "emergency_withdraw",
		"caller": caller.String(),
	}))
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, cmd.ID, "missing command_id disables dedup")
	assert.Zero(t, cmd.Amount)
}

func TestParseCommand_UpdatePriceDecimal(t *testing.T) {
	cmd, err := ingestion.ParseCommand(mustJSON(t, map[string]interface{}{
		"command_id":     cmdID.String(),
		"type":           "update_price",
		"caller":         caller.String(),
		"price":          "1.25",
		"price_sequence": 7,
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(125_000_000), cmd.Amount)
	assert.Equal(t, int64(7), cmd.PriceSequence)
}

func TestParsePriceFeed(t *testing.T) {
	cmd, err := ingestion.ParsePriceFeed(mustJSON(t, map[string]interface{}{
		"command_id": cmdID.String(),
		"oracle":     caller.String(),
		"price":      "0.5",
		"sequence":   42,
	}))
	require.NoError(t, err)

	assert.Equal(t, core.CmdUpdatePrice, cmd.Type)
	assert.Equal(t, caller, cmd.Caller)
	assert.Equal(t, uint64(50_000_000), cmd.Amount)
	assert.Equal(t, int64(42), cmd.PriceSequence)
}

func TestParsePriceFeed_TooPreciseRejected(t *testing.T) {
	_, err := ingestion.ParsePriceFeed(mustJSON(t, map[string]interface{}{
		"oracle": caller.String(),
		"price":  "1.000000001",
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ingestion.ErrMalformedCommand)
	assert.ErrorIs(t, err, fp.ErrPrecision)
}

func TestParseCommand_Failures(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{not json`},
		{"unknown type", `{"type":"flash_loan","caller":"` + caller.String() + `"}`},
		{"bad caller", `{"type":"deposit","caller":"not-a-uuid","amount":"1"}`},
		{"bad command id", `{"command_id":"x","type":"deposit","caller":"` + caller.String() + `","amount":"1"}`},
		{"missing target", `{"type":"liquidate","caller":"` + caller.String() + `","amount":"1"}`},
		{"negative amount", `{"type":"borrow","caller":"` + caller.String() + `","amount":"-5"}`},
		{"amount overflow", `{"type":"borrow","caller":"` + caller.String() + `","amount":"18446744073709551616"}`},
		{"missing amount", `{"type":"repay","caller":"` + caller.String() + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand([]byte(tc.payload))
			assert.ErrorIs(t, err, ingestion.ErrMalformedCommand)
		})
	}
}
