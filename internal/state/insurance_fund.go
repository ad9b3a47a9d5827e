package state

import (
	"fmt"

	fpmath "PerpLiquidator/internal/math"

	"github.com/google/uuid"
)

// InsuranceFund absorbs bad debt left by full liquidations. Balance mirrors
// the backing assets held in the system insurance_fund ledger account.
type InsuranceFund struct {
	Authority           uuid.UUID
	Balance             uint64
	TotalBadDebtCovered uint64 // Monotonic
	TotalContributions  uint64
	UtilizationRatioBps uint64
	Version             int64
}

// Coverage is the outcome of running bad debt through the waterfall.
type Coverage struct {
	BadDebt    uint64
	Covered    uint64
	Leftover   uint64
	NewBalance uint64
}

// ComputeCoverage applies the waterfall: the fund covers as much of the
// deficit as its balance allows and reports the remainder.
func ComputeCoverage(fundBalance, badDebt uint64) Coverage {
	if fundBalance >= badDebt {
		return Coverage{
			BadDebt:    badDebt,
			Covered:    badDebt,
			Leftover:   0,
			NewBalance: fundBalance - badDebt,
		}
	}
	return Coverage{
		BadDebt:    badDebt,
		Covered:    fundBalance,
		Leftover:   badDebt - fundBalance,
		NewBalance: 0,
	}
}

// CanCoverDeficit checks if the insurance fund has enough balance to cover a deficit.
func (f *InsuranceFund) CanCoverDeficit(deficit uint64) bool {
	return f.Balance >= deficit
}

// CoveredReward is the liquidator reward paid out of covered bad debt:
// min(covered, covered * rewardBps / bpsDenom), or 0 when nothing was covered.
func CoveredReward(covered, rewardBps uint64, bpsDenom int64) (uint64, error) {
	if covered == 0 {
		return 0, nil
	}
	maxReward, err := fpmath.ApplyBps(covered, rewardBps, bpsDenom)
	if err != nil {
		return 0, err
	}
	if maxReward > covered {
		return covered, nil
	}
	return maxReward, nil
}

// WithCoverage returns the fund after applying c. The receiver is not modified.
func (f InsuranceFund) WithCoverage(c Coverage) (InsuranceFund, error) {
	if c.Covered+c.Leftover != c.BadDebt || c.NewBalance > f.Balance || f.Balance-c.NewBalance != c.Covered {
		return InsuranceFund{}, fmt.Errorf("coverage does not match fund balance %d: %+v", f.Balance, c)
	}

	total, err := fpmath.CheckedAddUint(f.TotalBadDebtCovered, c.Covered)
	if err != nil {
		return InsuranceFund{}, err
	}

	f.Balance = c.NewBalance
	f.TotalBadDebtCovered = total
	if err := f.refreshUtilization(); err != nil {
		return InsuranceFund{}, err
	}
	f.Version++
	return f, nil
}

// WithContribution returns the fund after a capital contribution.
func (f InsuranceFund) WithContribution(amount uint64) (InsuranceFund, error) {
	if amount == 0 {
		return InsuranceFund{}, fmt.Errorf("contribution must be > 0")
	}

	balance, err := fpmath.CheckedAddUint(f.Balance, amount)
	if err != nil {
		return InsuranceFund{}, err
	}
	contributions, err := fpmath.CheckedAddUint(f.TotalContributions, amount)
	if err != nil {
		return InsuranceFund{}, err
	}

	f.Balance = balance
	f.TotalContributions = contributions
	if err := f.refreshUtilization(); err != nil {
		return InsuranceFund{}, err
	}
	f.Version++
	return f, nil
}

// refreshUtilization sets covered / contributions in bps (0 with no contributions).
func (f *InsuranceFund) refreshUtilization() error {
	if f.TotalContributions == 0 {
		f.UtilizationRatioBps = 0
		return nil
	}
	ratio, err := fpmath.MulDivUint(f.TotalBadDebtCovered, uint64(fpmath.BpsDenom), f.TotalContributions)
	if err != nil {
		return err
	}
	f.UtilizationRatioBps = ratio
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (f *InsuranceFund) CanonicalBytes() []byte {
	buf := make([]byte, 0, 56)
	buf = append(buf, f.Authority[:]...)
	buf = appendUint64LE(buf, f.Balance)
	buf = appendUint64LE(buf, f.TotalBadDebtCovered)
	buf = appendUint64LE(buf, f.TotalContributions)
	buf = appendUint64LE(buf, f.UtilizationRatioBps)
	return buf
}
