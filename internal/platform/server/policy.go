package server

import (
	"fmt"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

// SelectWallet picks the wallet that funds a stake: main when it covers the
// stake (ties included), otherwise bonus. Stakes are never split.
func SelectWallet(b ledger.Balances, stake int64) (ledger.WalletType, error) {
	if stake <= 0 {
		return "", fmt.Errorf("%w: stake must be positive", ErrInvalidAmount)
	}
	if b.Main >= stake {
		return ledger.WalletMain, nil
	}
	if b.Bonus >= stake {
		return ledger.WalletBonus, nil
	}
	return "", fmt.Errorf("%w: stake %d exceeds main %d and bonus %d", ErrInsufficientBalance, stake, b.Main, b.Bonus)
}

// SplitWin routes a win to main up to limit and the excess to exposure.
func SplitWin(win, limit int64) (toMain, toExposure int64) {
	if win <= 0 {
		return 0, 0
	}
	if limit < 0 {
		limit = 0
	}
	toMain = min(win, limit)
	return toMain, win - toMain
}

// winEntries credits a split win against the house, omitting zero legs.
func winEntries(ref, userID string, toMain, toExposure int64) []ledger.Entry {
	out := make([]ledger.Entry, 0, 2)
	if toMain > 0 {
		out = append(out, ledger.Between(ledger.TxGameWin, ref, ledger.HouseAccountID, ledger.WalletMain, userID, ledger.WalletMain, toMain))
	}
	if toExposure > 0 {
		out = append(out, ledger.Between(ledger.TxGameWin, ref, ledger.HouseAccountID, ledger.WalletMain, userID, ledger.WalletExposure, toExposure))
	}
	return out
}
