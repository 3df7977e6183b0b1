package room

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/repository"
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// CodeGenerator returns a candidate entry code. Uniqueness is checked by the caller.
type CodeGenerator func() (string, error)

func randomCode() (string, error) {
	var b strings.Builder
	b.Grow(codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random index: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases a user supplied code and checks its shape.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != codeLength {
		return "", apperr.Validation("room code must be 6 characters")
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return "", apperr.Validation("room code must be alphanumeric")
		}
	}
	return code, nil
}

func (m *Manager) uniqueCode(ctx context.Context, tx repository.Tx) (string, error) {
	for attempt := 1; attempt <= m.cfg.RoomCodeMaxAttempts; attempt++ {
		code, err := m.newCode()
		if err != nil {
			return "", apperr.Internal("generate room code", err)
		}
		exists, err := tx.RoomCodeExists(ctx, code)
		if err != nil {
			return "", apperr.Internal("check room code", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", apperr.New(apperr.KindResourceExhausted, "could not allocate a unique room code")
}
