// Package sequence allocates human-readable, year-scoped document numbers.
//
// Allocation is optimistic: the highest existing number is read, incremented and handed
// to the caller's insert without holding any lock. Two concurrent allocations can produce
// the same number; the datastore's unique constraint rejects the loser, which retries with
// a fresh read. Numbers are therefore monotonic in the common case but neither gap-free
// nor unique without that constraint.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

type Kind int

const (
	KindOffer Kind = iota
	KindInvoice
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindInvoice:
		return "invoice"
	}
	return "unknown"
}

// DefaultAttempts is the number of fresh allocations tried before giving up.
const DefaultAttempts = 3

// ErrNumberTaken must be wrapped by insert callbacks when the number collided.
var ErrNumberTaken = errors.New("number already taken")

// ExhaustedError is returned once every attempt collided.
type ExhaustedError struct {
	Kind     Kind
	Attempts int
	Last     string
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("%s number allocation failed after %d attempts (last tried %s)", e.Kind, e.Attempts, e.Last)
}

// Store reads the highest number that starts with prefix ("" when none exist).
type Store interface {
	LatestNumber(ctx context.Context, kind Kind, prefix string) (string, error)
}

type Allocator struct {
	Store         Store
	OfferPrefix   string
	InvoicePrefix string
	Attempts      int
	// Suffix returns the random two digit offer suffix; nil uses math/rand.
	Suffix func() int
}

func (a Allocator) prefix(kind Kind) string {
	switch kind {
	case KindOffer:
		if a.OfferPrefix != "" {
			return a.OfferPrefix
		}
		return "OFF"
	default:
		if a.InvoicePrefix != "" {
			return a.InvoicePrefix
		}
		return "INV"
	}
}

func (a Allocator) suffix() int {
	if a.Suffix != nil {
		return a.Suffix() % 100
	}
	return rand.IntN(100)
}

// Next formats the next candidate number, PREFIX-YYYY-NNNNN, with a -SS random suffix
// for offers.
func (a Allocator) Next(ctx context.Context, kind Kind, year int) (string, error) {
	yearPrefix := fmt.Sprintf("%s-%04d-", a.prefix(kind), year)
	latest, err := a.Store.LatestNumber(ctx, kind, yearPrefix)
	if err != nil {
		return "", fmt.Errorf("read latest %s number: %w", kind, err)
	}
	seq := 0
	if latest != "" {
		seq, err = parseSeq(latest, yearPrefix)
		if err != nil {
			return "", err
		}
	}
	number := fmt.Sprintf("%s%05d", yearPrefix, seq+1)
	if kind == KindOffer {
		number = fmt.Sprintf("%s-%02d", number, a.suffix())
	}
	return number, nil
}

// Allocate calls insert with fresh numbers until it succeeds, fails with something other
// than ErrNumberTaken, or the attempts run out.
func (a Allocator) Allocate(ctx context.Context, kind Kind, year int, insert func(number string) error) (string, error) {
	attempts := a.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var last string
	for i := 0; i < attempts; i++ {
		number, err := a.Next(ctx, kind, year)
		if err != nil {
			return "", err
		}
		last = number
		err = insert(number)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, ErrNumberTaken) {
			return "", err
		}
	}
	return "", ExhaustedError{Kind: kind, Attempts: attempts, Last: last}
}

func parseSeq(number, yearPrefix string) (int, error) {
	rest := strings.TrimPrefix(number, yearPrefix)
	if rest == number {
		return 0, fmt.Errorf("number %s does not start with %s", number, yearPrefix)
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		rest = rest[:i]
	}
	seq, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("malformed number %s: %w", number, err)
	}
	return seq, nil
}
