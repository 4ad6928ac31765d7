/*
ledger.go - The single choke point for credit balance mutation

PURPOSE:
  Every change to Account.CreditBalance goes through Ledger.Adjust, inside a
  transaction opened by the caller. Adjust re-reads the balance, refuses to
  go below zero, writes the new balance and appends one LedgerEntry, so the
  balance is always explainable from the entries.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: no committed balance is ever below zero
  2. APPEND-ONLY: ledger entries and purchase records are never edited
  3. TRACEABLE: each entry names the booking, purchase or adjustment behind it

EXAMPLE FLOW:
  1. Purchase of 5 credits:      +5  (reason=purchase, ref=purchase id)
  2. Reserve 2 slots:            -2  (reason=reservation, ref=first booking id)
  3. Cancel > 24h before start:  +1  (reason=refund, ref=booking id)

  balance: 5 - 2 + 1 = 4, entries: [+5, -2, +1]

SEE ALSO:
  - reserve.go, cancel.go: callers of Adjust
  - store.go: Tx.SetBalance and Tx.AppendLedgerEntry
*/
package engine

import (
	"context"
	"fmt"
)

// Ledger owns balance mutation. It is stateless apart from its clock and ID
// source and is safe for concurrent use.
type Ledger struct {
	clock Clock
	newID func() string
}

// NewLedger creates a ledger. newID must return unique identifiers.
func NewLedger(clock Clock, newID func() string) *Ledger {
	return &Ledger{clock: clock, newID: newID}
}

// Adjust changes an account's balance by delta within tx and returns the new
// balance. A result below zero fails with *InsufficientCreditsError.
func (l *Ledger) Adjust(ctx context.Context, tx Tx, accountID AccountID, delta int, reason EntryReason, referenceID string) (int, error) {
	entry, err := l.adjust(ctx, tx, accountID, delta, reason, referenceID, "")
	if err != nil {
		return 0, err
	}
	return entry.BalanceAfter, nil
}

func (l *Ledger) adjust(ctx context.Context, tx Tx, accountID AccountID, delta int, reason EntryReason, referenceID, note string) (LedgerEntry, error) {
	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return LedgerEntry{}, err
	}

	newBalance := acct.CreditBalance + delta
	if newBalance < 0 {
		return LedgerEntry{}, &InsufficientCreditsError{
			AccountID: accountID,
			Available: acct.CreditBalance,
			Requested: -delta,
		}
	}

	if err := tx.SetBalance(ctx, accountID, newBalance); err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to update balance: %w", err)
	}

	entry := LedgerEntry{
		ID:           l.newID(),
		AccountID:    accountID,
		Delta:        delta,
		BalanceAfter: newBalance,
		Reason:       reason,
		ReferenceID:  referenceID,
		Note:         note,
		CreatedAt:    l.clock.Now(),
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return entry, nil
}

// Purchase credits the student with pkg.Credits and writes one paid
// PurchaseRecord. The package must already be validated.
func (l *Ledger) Purchase(ctx context.Context, tx Tx, req PurchaseRequest) (PurchaseRecord, int, error) {
	record := PurchaseRecord{
		ID:               l.newID(),
		StudentID:        req.StudentID,
		TutorID:          req.TutorID,
		PackageID:        req.Package.ID,
		PackageName:      req.Package.Name,
		CreditsPurchased: req.Package.Credits,
		PricePerCredit:   req.Package.Price,
		TotalAmount:      req.Package.Total(),
		PurchaseDate:     l.clock.Now(),
		Status:           PurchasePaid,
		IdempotencyKey:   req.IdempotencyKey,
	}

	if err := tx.InsertPurchase(ctx, record); err != nil {
		return PurchaseRecord{}, 0, err
	}

	balance, err := l.Adjust(ctx, tx, req.StudentID, req.Package.Credits, ReasonPurchase, record.ID)
	if err != nil {
		return PurchaseRecord{}, 0, err
	}
	return record, balance, nil
}
