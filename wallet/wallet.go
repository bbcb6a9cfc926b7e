// Package wallet implements the typed-balance ledger user wallets are built
// on: three credit categories (free, paid, earned), a denormalized sum kept
// consistent with every mutation, and an append-only ledger of every change.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// CreditType names one of the three typed balance categories.
	CreditType string

	// Direction classifies a LedgerEntry as adding or removing balance.
	Direction string

	// Wallet holds a user's typed balances. VirtualTotal is always kept
	// equal to Free+Paid+Earned within the same store transaction that
	// mutates any of them.
	Wallet struct {
		UserID        string
		Free          float64
		Paid          float64
		Earned        float64
		VirtualTotal  float64
		TotalCredited float64
		TotalConsumed float64
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// LedgerEntry is one append-only record of a single typed-balance
	// change. Ordered debits spanning multiple buckets produce one entry
	// per non-zero bucket touched.
	LedgerEntry struct {
		ID                string
		UserID            string
		CreditType        CreditType
		Direction         Direction
		Amount            float64
		BalanceAfter      float64
		TotalBalanceAfter float64
		Source            string
		ReferenceID       string
		CreatedAt         time.Time
	}

	// Store persists wallets and their ledger. Implementations must apply
	// Credit and DeductOrdered atomically: the typed balance, VirtualTotal,
	// and the ledger entries they produce must commit together or not at
	// all.
	Store interface {
		// GetOrCreateWallet returns the existing wallet for userID, or
		// creates one seeded with the welcome bonus on first touch.
		// bonus is credited to the free balance with source
		// "welcome_bonus" before the wallet is returned.
		GetOrCreateWallet(ctx context.Context, userID string, welcomeBonus float64) (Wallet, error)

		// Credit adds amount to the named bucket, VirtualTotal, and
		// TotalCredited, appending one ledger entry.
		Credit(ctx context.Context, userID string, amount float64, creditType CreditType, source, referenceID string) (Wallet, error)

		// DeductOrdered deducts amount across free, paid, earned in that
		// order, stopping once the full amount is covered or all buckets
		// are exhausted. Returns the updated wallet and the amount
		// actually deducted, which may be less than requested.
		DeductOrdered(ctx context.Context, userID string, amount float64, source, referenceID string) (Wallet, float64, error)
	}
)

const (
	// Free is the non-purchased, typically promotional balance bucket.
	Free CreditType = "free"
	// Paid is the purchased balance bucket.
	Paid CreditType = "paid"
	// Earned is the developer-reward balance bucket.
	Earned CreditType = "earned"

	// Credit indicates a ledger entry that increases a balance.
	Credit Direction = "credit"
	// Debit indicates a ledger entry that decreases a balance.
	Debit Direction = "debit"

	// SourceWelcomeBonus identifies the ledger entry written on first-touch
	// wallet creation.
	SourceWelcomeBonus = "welcome_bonus"
)

// deductionOrder is the fixed bucket order ordered debits consume from.
var deductionOrder = []CreditType{Free, Paid, Earned}

// ErrInvalidAmount indicates a non-positive amount was passed to an
// operation that requires one.
var ErrInvalidAmount = errors.New("wallet: amount must be positive")

// DeductOrdered applies the fixed free→paid→earned deduction order to an
// in-memory Wallet snapshot and returns the ledger entries produced. Store
// implementations use this as the pure arithmetic core of their
// transactional DeductOrdered, so the invariant that VirtualTotal remains
// the exact sum of the three buckets after a successful call is enforced in
// exactly one place.
func DeductOrdered(w Wallet, amount float64, source, referenceID string, now time.Time) (Wallet, []LedgerEntry, float64) {
	if amount <= 0 {
		return w, nil, 0
	}
	remaining := amount
	var entries []LedgerEntry
	buckets := map[CreditType]*float64{Free: &w.Free, Paid: &w.Paid, Earned: &w.Earned}
	for _, ct := range deductionOrder {
		if remaining <= 0 {
			break
		}
		bucket := buckets[ct]
		take := remaining
		if *bucket < take {
			take = *bucket
		}
		if take <= 0 {
			continue
		}
		*bucket -= take
		remaining -= take
		entries = append(entries, LedgerEntry{
			UserID: w.UserID, CreditType: ct, Direction: Debit, Amount: take,
			BalanceAfter: *bucket, Source: source, ReferenceID: referenceID, CreatedAt: now,
		})
	}
	actual := amount - remaining
	w.VirtualTotal -= actual
	w.TotalConsumed += actual
	w.UpdatedAt = now
	for i := range entries {
		entries[i].TotalBalanceAfter = w.VirtualTotal
	}
	return w, entries, actual
}

// ApplyCredit applies a single-bucket credit to an in-memory Wallet
// snapshot and returns the ledger entry produced. Mirrors DeductOrdered's
// role as the pure arithmetic core store implementations wrap in a
// transaction.
func ApplyCredit(w Wallet, amount float64, creditType CreditType, source, referenceID string, now time.Time) (Wallet, LedgerEntry, error) {
	if amount <= 0 {
		return w, LedgerEntry{}, ErrInvalidAmount
	}
	switch creditType {
	case Free:
		w.Free += amount
	case Paid:
		w.Paid += amount
	case Earned:
		w.Earned += amount
	default:
		return w, LedgerEntry{}, fmt.Errorf("wallet: unknown credit type %q", creditType)
	}
	w.VirtualTotal += amount
	w.TotalCredited += amount
	w.UpdatedAt = now
	entry := LedgerEntry{
		UserID: w.UserID, CreditType: creditType, Direction: Credit, Amount: amount,
		Source: source, ReferenceID: referenceID, CreatedAt: now, TotalBalanceAfter: w.VirtualTotal,
	}
	switch creditType {
	case Free:
		entry.BalanceAfter = w.Free
	case Paid:
		entry.BalanceAfter = w.Paid
	case Earned:
		entry.BalanceAfter = w.Earned
	}
	return w, entry, nil
}
