package state

import "fmt"

// DebtPricing selects how outstanding debt is valued against collateral.
type DebtPricing uint8

const (
	// DebtPricingPegged values one unit of debt at one accounting unit.
	DebtPricingPegged DebtPricing = iota
	// DebtPricingOracle values debt at the oracle price, like collateral.
	DebtPricingOracle
)

func (d DebtPricing) String() string {
	switch d {
	case DebtPricingPegged:
		return "pegged"
	case DebtPricingOracle:
		return "oracle"
	default:
		return "unknown"
	}
}

// ParseDebtPricing maps a config string to a DebtPricing mode.
func ParseDebtPricing(s string) (DebtPricing, error) {
	switch s {
	case "", "pegged":
		return DebtPricingPegged, nil
	case "oracle":
		return DebtPricingOracle, nil
	}
	return 0, fmt.Errorf("unknown debt pricing %q (want pegged or oracle)", s)
}

// RiskParams defines the pool's collateral requirements, all in percent
type RiskParams struct {
	CollateralRatio      uint64 // borrow limit, e.g. 150
	LiquidationThreshold uint64 // health floor, e.g. 120
	LiquidationBonus     uint64 // liquidator premium on repaid debt, e.g. 10
	DebtPricing          DebtPricing
}

const (
	CollateralRatio      = 150
	LiquidationThreshold = 120
	LiquidationBonus     = 10
)

func DefaultRiskParams() RiskParams {
	return RiskParams{
		CollateralRatio:      CollateralRatio,
		LiquidationThreshold: LiquidationThreshold,
		LiquidationBonus:     LiquidationBonus,
		DebtPricing:          DebtPricingPegged,
	}
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// threshold >= 100, ratio >= threshold, bonus < 100.
func ValidateRiskParams(params RiskParams) error {
	if params.LiquidationThreshold < 100 {
		return fmt.Errorf("liquidation_threshold must be >= 100, got %d", params.LiquidationThreshold)
	}
	if params.CollateralRatio < params.LiquidationThreshold {
		return fmt.Errorf("collateral_ratio (%d) must be >= liquidation_threshold (%d)",
			params.CollateralRatio, params.LiquidationThreshold)
	}
	if params.LiquidationBonus >= 100 {
		return fmt.Errorf("liquidation_bonus must be < 100, got %d", params.LiquidationBonus)
	}
	if params.DebtPricing > DebtPricingOracle {
		return fmt.Errorf("unknown debt pricing %d", params.DebtPricing)
	}
	return nil
}
