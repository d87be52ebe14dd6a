package visits

import "context"

// Ledger records unique visitors per window. Credit is idempotent per
// identity and window: only the first credit of an identity in a window
// raises the count.
type Ledger interface {
	// Credit records identity in windowKey and returns the window's count.
	Credit(ctx context.Context, identity, windowKey string) (int64, error)
	// Count returns the number of identities credited in windowKey.
	Count(ctx context.Context, windowKey string) (int64, error)
}
