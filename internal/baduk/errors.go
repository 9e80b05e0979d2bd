package baduk

import "fmt"

// Kind is the closed set of rule-rejection variants. Consumers match on
// the kind and map it to a user-facing reason string; there is no
// behavioral hierarchy beyond that.
type Kind string

const (
	KindInvalid     Kind = "invalid_move"
	KindKoViolation Kind = "ko_violation"
	KindSuicide     Kind = "suicide_move"
	KindOccupied    Kind = "point_occupied"
	KindOutOfBounds Kind = "out_of_bounds"
	KindNotYourTurn Kind = "not_your_turn"
)

// RuleError is a rejected move. It never implies any state was mutated.
type RuleError struct {
	Kind   Kind
	Reason string
}

func (e *RuleError) Error() string { return e.Reason }

// AsRule returns the RuleError inside err, or nil.
func AsRule(err error) *RuleError {
	re, ok := err.(*RuleError)
	if !ok {
		return nil
	}
	return re
}

func errNotYourTurn(c Color) error {
	return &RuleError{Kind: KindNotYourTurn, Reason: fmt.Sprintf("it is not %s's turn", c)}
}

func errFirstMove() error {
	return &RuleError{Kind: KindNotYourTurn, Reason: "white must make the first move"}
}

func errOutOfBounds(x, y int) error {
	return &RuleError{Kind: KindOutOfBounds, Reason: fmt.Sprintf("position (%d, %d) is outside the board", x, y)}
}

func errOccupied(x, y int) error {
	return &RuleError{Kind: KindOccupied, Reason: fmt.Sprintf("position (%d, %d) is already occupied", x, y)}
}

func errKo(x, y int) error {
	return &RuleError{Kind: KindKoViolation, Reason: fmt.Sprintf("move at (%d, %d) violates the ko rule", x, y)}
}

func errSuicide(x, y int) error {
	return &RuleError{Kind: KindSuicide, Reason: fmt.Sprintf("move at (%d, %d) would be suicide", x, y)}
}
