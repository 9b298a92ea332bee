package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	fp "LendLedger/internal/math"

	"github.com/google/uuid"
)

var ErrMalformedCommand = errors.New("malformed command")

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// strings so that values above 2^53 survive JavaScript clients.

// CommandRequest is the wire form of a command.
type CommandRequest struct {
	CommandID     string `json:"command_id"`
	Type          string `json:"type"`
	Caller        string `json:"caller"`
	Target        string `json:"target,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Price         string `json:"price,omitempty"` // decimal, update_price only
	PriceSequence int64  `json:"price_sequence,omitempty"`
}

type priceFeedJSON struct {
	CommandID string `json:"command_id"`
	Oracle    string `json:"oracle"`
	Price     string `json:"price"` // decimal, e.g. "1.25"
	Sequence  int64  `json:"sequence"`
}

// ParseCommand decodes a command envelope from a NATS message or HTTP body.
func ParseCommand(data []byte) (*core.Command, error) {
	var j CommandRequest
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return j.ToCommand()
}

// ParsePriceFeed decodes an oracle price tick into an update_price command.
func ParsePriceFeed(data []byte) (*core.Command, error) {
	var j priceFeedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return CommandRequest{
		CommandID:     j.CommandID,
		Type:          string(core.CmdUpdatePrice),
		Caller:        j.Oracle,
		Price:         j.Price,
		PriceSequence: j.Sequence,
	}.ToCommand()
}

// ToCommand validates the request and converts it for the processor.
func (j CommandRequest) ToCommand() (*core.Command, error) {
	cmd := &core.Command{
		Type:          core.CommandType(j.Type),
		PriceSequence: j.PriceSequence,
		ReceivedAt:    time.Now(),
	}
	if cmd.Type.EventType() == event.EventTypeUnknown {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedCommand, j.Type)
	}

	var err error
	if j.CommandID != "" {
		if cmd.ID, err = uuid.Parse(j.CommandID); err != nil {
			return nil, fmt.Errorf("%w: command_id: %v", ErrMalformedCommand, err)
		}
	}
	if cmd.Caller, err = uuid.Parse(j.Caller); err != nil {
		return nil, fmt.Errorf("%w: caller: %v", ErrMalformedCommand, err)
	}

	switch cmd.Type {
	case core.CmdLiquidate, core.CmdTransferOwnership, core.CmdSetOracle:
		if cmd.Target, err = uuid.Parse(j.Target); err != nil {
			return nil, fmt.Errorf("%w: target: %v", ErrMalformedCommand, err)
		}
	}

	switch cmd.Type {
	case core.CmdUpdatePrice:
		if cmd.Amount, err = fp.ParseDecimal(j.Price, fp.PriceConfig); err != nil {
			return nil, fmt.Errorf("%w: price: %w", ErrMalformedCommand, err)
		}
	case core.CmdDeposit, core.CmdWithdraw, core.CmdBorrow, core.CmdRepay, core.CmdLiquidate:
		if cmd.Amount, err = strconv.ParseUint(j.Amount, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: amount: %v", ErrMalformedCommand, err)
		}
	}
	return cmd, nil
}
