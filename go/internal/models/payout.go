package models

// PayoutLadder is the fixed ordered list of payout values indexed by
// cycle position (1-based).
type PayoutLadder []float64

// DefaultPayoutLadder is the reference ladder (40 cycles).
var DefaultPayoutLadder = PayoutLadder{
	5, 6, 7, 8, 9,
	10, 12, 14, 16, 18,
	20, 25, 30, 35, 40,
	45, 50, 60, 70, 80,
	90, 100, 120, 140, 160,
	180, 200, 250, 300, 350,
	400, 450, 500, 600, 700,
	800, 900, 1000, 1250, 1500,
}

// Len returns the number of cycles in the ladder.
func (l PayoutLadder) Len() int {
	return len(l)
}

// ValueAt returns the payout for a 1-based cycle index, clamped to the
// ladder bounds. An empty ladder pays 0.
func (l PayoutLadder) ValueAt(index int) float64 {
	if len(l) == 0 {
		return 0
	}
	if index < 1 {
		index = 1
	}
	if index > len(l) {
		index = len(l)
	}
	return l[index-1]
}
