package ledger

import "fmt"

// BasisPoints is a proportion expressed in 1/10000ths, matching MixRequest's
// output_addresses[i].percent_basis_points.
type BasisPoints uint16

// BasisPointsDenominator is the value a valid split list's basis points must
// sum to.
const BasisPointsDenominator BasisPoints = 10000

// ValidateSplits checks that the basis points sum exactly to 10000.
func ValidateSplits(splits []BasisPoints) error {
	var sum int
	for _, bp := range splits {
		sum += int(bp)
	}
	if sum != int(BasisPointsDenominator) {
		return fmt.Errorf("ledger: basis points sum to %d, want %d", sum, BasisPointsDenominator)
	}
	return nil
}
