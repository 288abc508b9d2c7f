package ar

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/arledger/internal/money"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid state")
	ErrBalanceExceeded    = errors.New("balance exceeded")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrForbidden          = errors.New("forbidden")
	ErrAlreadyCancelled   = errors.New("already cancelled")
)

// RuleError is a rejected operation carrying the business rule that was
// violated. It unwraps to one of the sentinel kinds above.
type RuleError struct {
	Err     error
	Message string
}

func (e *RuleError) Error() string {
	return e.Message
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

func ruleErr(kind error, format string, args ...any) *RuleError {
	return &RuleError{Err: kind, Message: fmt.Sprintf(format, args...)}
}

// Kind returns the sentinel kind of err, or nil for unexpected failures.
func Kind(err error) error {
	for _, kind := range []error{
		ErrNotFound,
		ErrInvalidInput,
		ErrInvalidState,
		ErrBalanceExceeded,
		ErrInvariantViolation,
		ErrForbidden,
		ErrAlreadyCancelled,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

var amountPrinter = message.NewPrinter(language.English)

// formatAmount renders an amount at currency precision for reasons. Only the
// integral part goes through the grouping printer; the fraction is taken from
// the decimal string so no digit is lost.
func formatAmount(d decimal.Decimal) string {
	rounded := money.Round(d)
	fixed := rounded.StringFixed(money.Places)
	whole := rounded.Truncate(0).BigInt()
	if !whole.IsInt64() {
		return fixed
	}
	fraction := fixed[strings.LastIndexByte(fixed, '.'):]
	grouped := amountPrinter.Sprintf("%d", whole.Int64())
	if rounded.IsNegative() && whole.Sign() == 0 {
		grouped = "-" + grouped
	}
	return grouped + fraction
}
