package config

import (
	"fmt"
	"math/big"
	"strings"

	"poolledger/crypto"
	nativecommon "poolledger/native/common"
	"poolledger/native/lending"
	"poolledger/native/loandesk"
)

// MaxAssetDecimals bounds the asset unit so it stays well inside 256 bits.
const MaxAssetDecimals = 36

// ValidateConfig parses every section and applies the engine bounds.
func ValidateConfig(c *Config) error {
	if c.PoolID == "" {
		return fmt.Errorf("pool id required")
	}
	if strings.ContainsAny(c.PoolID, "/ ") {
		return fmt.Errorf("pool id %q must not contain spaces or slashes", c.PoolID)
	}
	if c.AssetSymbol == "" || c.ShareSymbol == "" {
		return fmt.Errorf("asset and share symbols required")
	}
	if c.AssetSymbol == c.ShareSymbol {
		return fmt.Errorf("asset and share symbols must differ")
	}
	if c.AssetDecimals > MaxAssetDecimals {
		return fmt.Errorf("asset decimals %d above %d", c.AssetDecimals, MaxAssetDecimals)
	}
	if _, err := c.PoolParams(); err != nil {
		return err
	}
	if _, err := c.LoanTemplate(); err != nil {
		return err
	}
	if _, err := c.RoleAssignments(); err != nil {
		return err
	}
	return nil
}

// AssetUnit is one whole asset token in base units.
func (c *Config) AssetUnit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.AssetDecimals)), nil)
}

func parsePercentField(name, raw string) (nativecommon.Percent, error) {
	p, err := nativecommon.ParsePercent(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return p, nil
}

func parseAmountField(name, raw string) (*big.Int, error) {
	amount, err := nativecommon.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return amount, nil
}

// PoolParams converts the [pool] section into validated ledger parameters.
func (c *Config) PoolParams() (lending.Params, error) {
	var (
		params lending.Params
		err    error
	)
	if params.TargetStakePercent, err = parsePercentField("pool.TargetStake", c.Pool.TargetStake); err != nil {
		return lending.Params{}, err
	}
	if params.TargetLiquidityPercent, err = parsePercentField("pool.TargetLiquidity", c.Pool.TargetLiquidity); err != nil {
		return lending.Params{}, err
	}
	if params.ProtocolFeePercent, err = parsePercentField("pool.ProtocolFee", c.Pool.ProtocolFee); err != nil {
		return lending.Params{}, err
	}
	if params.EarnFactor, err = parsePercentField("pool.EarnFactor", c.Pool.EarnFactor); err != nil {
		return lending.Params{}, err
	}
	if params.ExitFeePercent, err = parsePercentField("pool.ExitFee", c.Pool.ExitFee); err != nil {
		return lending.Params{}, err
	}
	if params.MinInitialStake, err = parseAmountField("pool.MinInitialStake", c.Pool.MinInitialStake); err != nil {
		return lending.Params{}, err
	}
	params.ExitFeeCooldown = c.Pool.ExitFeeCooldownSecs
	params.StakerInactivityPeriod = c.Pool.StakerInactivitySecs
	if err := params.Validate(); err != nil {
		return lending.Params{}, err
	}
	return params, nil
}

// LoanTemplate converts the [loan_desk] section into a validated template.
func (c *Config) LoanTemplate() (loandesk.LoanTemplate, error) {
	var (
		tmpl loandesk.LoanTemplate
		err  error
	)
	if tmpl.MinAmount, err = parseAmountField("loan_desk.MinAmount", c.LoanDesk.MinAmount); err != nil {
		return loandesk.LoanTemplate{}, err
	}
	if tmpl.APR, err = parsePercentField("loan_desk.APR", c.LoanDesk.APR); err != nil {
		return loandesk.LoanTemplate{}, err
	}
	if tmpl.LateAPRDelta, err = parsePercentField("loan_desk.LateAPRDelta", c.LoanDesk.LateAPRDelta); err != nil {
		return loandesk.LoanTemplate{}, err
	}
	tmpl.MinDuration = c.LoanDesk.MinDurationSecs
	tmpl.MaxDuration = c.LoanDesk.MaxDurationSecs
	tmpl.GracePeriod = c.LoanDesk.GracePeriodSecs
	tmpl.OfferExpiration = c.LoanDesk.OfferExpirationSecs
	if err := loandesk.ValidateTemplate(tmpl, c.AssetUnit()); err != nil {
		return loandesk.LoanTemplate{}, err
	}
	return tmpl, nil
}

// RoleAssignments decodes the [roles] section keyed by capability name.
func (c *Config) RoleAssignments() (map[string][]crypto.Address, error) {
	sections := map[string][]string{
		nativecommon.CapGovernance: c.Roles.Governance,
		nativecommon.CapStaker:     c.Roles.Staker,
		nativecommon.CapTreasury:   c.Roles.Treasury,
		nativecommon.CapPauser:     c.Roles.Pauser,
	}
	out := make(map[string][]crypto.Address, len(sections))
	for role, entries := range sections {
		for _, entry := range entries {
			addr, err := crypto.DecodeAddress(strings.TrimSpace(entry))
			if err != nil {
				return nil, fmt.Errorf("invalid roles.%s address %q: %w", strings.ToLower(role), entry, err)
			}
			out[role] = append(out[role], addr)
		}
	}
	return out, nil
}
