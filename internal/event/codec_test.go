package event_test

import (
	"testing"

	"LendLedger/internal/event"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Liquidate(t *testing.T) {
	in := &event.Liquidate{
		CommandID:  uuid.New(),
		Liquidator: uuid.New(),
		Target:     uuid.New(),
		Debt:       18_000_000_000_000_000_000,
		Reward:     10,
		Refund:     1,
		Shortfall:  2,
	}
	payload, err := event.Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"debt":"18000000000000000000"`, "uint64 amounts travel as strings")

	out, err := event.Decode(event.EventTypeLiquidate, payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := event.Decode(event.EventTypeUnknown, []byte(`{}`))
	assert.Error(t, err)
}

func TestParseEventType(t *testing.T) {
	assert.Equal(t, event.EventTypeOracleChanged, event.ParseEventType("OracleChanged"))
	assert.Equal(t, event.EventTypeUnknown, event.ParseEventType("TradeFill"))
}

func TestPriceUpdated_SourceSequence(t *testing.T) {
	p := &event.PriceUpdated{CommandID: uuid.New(), PriceSequence: 42}
	assert.Equal(t, int64(42), p.SourceSequence())
	assert.Equal(t, p.CommandID.String(), p.IdempotencyKey())
}
