package identity

import (
	"context"
)

// NewnessOracle answers whether no person has a distinct id yet. False positives are allowed
// (creation then loses a unique race); false negatives are not.
type NewnessOracle interface {
	IsNew(ctx context.Context, teamID int64, distinctID string) (bool, error)
}

// DistinctIDChecker is the existence query a StoreOracle is built on.
type DistinctIDChecker interface {
	DistinctIDExists(ctx context.Context, teamID int64, distinctID string) (bool, error)
}

type StoreOracle struct {
	checker DistinctIDChecker
}

func NewStoreOracle(checker DistinctIDChecker) *StoreOracle {
	return &StoreOracle{checker: checker}
}

func (o *StoreOracle) IsNew(ctx context.Context, teamID int64, distinctID string) (bool, error) {
	exists, err := o.checker.DistinctIDExists(ctx, teamID, distinctID)
	if err != nil {
		return false, err
	}
	return !exists, nil
}
