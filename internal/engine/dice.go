package engine

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// RollDice rolls count dice with the given number of sides using the crypto
// RNG. Returns the individual rolls and their total.
func RollDice(sides, count int) ([]int, int, error) {
	if sides < 2 || sides > 1000 {
		return nil, 0, fmt.Errorf("roll d%d: %w", sides, ErrValidation)
	}
	if count < 1 || count > 100 {
		return nil, 0, fmt.Errorf("roll %dd%d: %w", count, sides, ErrValidation)
	}
	rolls := make([]int, count)
	total := 0
	for i := range rolls {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(sides)))
		if err != nil {
			return nil, 0, err
		}
		rolls[i] = int(n.Int64()) + 1
		total += rolls[i]
	}
	return rolls, total, nil
}

// RollAdvantage rolls 2d20 and keeps the higher die.
func RollAdvantage() (rolls []int, kept int, err error) {
	rolls, _, err = RollDice(20, 2)
	if err != nil {
		return nil, 0, err
	}
	kept = rolls[0]
	if rolls[1] > kept {
		kept = rolls[1]
	}
	return rolls, kept, nil
}

// RollDisadvantage rolls 2d20 and keeps the lower die.
func RollDisadvantage() (rolls []int, kept int, err error) {
	rolls, _, err = RollDice(20, 2)
	if err != nil {
		return nil, 0, err
	}
	kept = rolls[0]
	if rolls[1] < kept {
		kept = rolls[1]
	}
	return rolls, kept, nil
}
