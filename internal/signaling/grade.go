package signaling

import (
	"fmt"
	"math"
)

// GradeMax is a perfect grade in basis points (10000 = 100.00%).
const GradeMax = 10000

// ComputeGrade converts a raw score into basis points, rounding half up
// and clamping to [0, GradeMax]. A total of zero is a validation error,
// not a zero grade.
func ComputeGrade(score, total float64) (int, error) {
	if total <= 0 {
		return 0, fmt.Errorf("%w: total must be positive, got %v", ErrInvalidResult, total)
	}
	grade := int(math.Floor(score/total*GradeMax + 0.5))
	if grade < 0 {
		grade = 0
	}
	if grade > GradeMax {
		grade = GradeMax
	}
	return grade, nil
}
