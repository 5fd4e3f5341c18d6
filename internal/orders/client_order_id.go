package orders

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxClientOrderIDLength is the maximum length allowed by Binance
	MaxClientOrderIDLength = 36

	tradeCodeLength = 12
	labelCodeLength = 12
)

var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
)

// ClientOrderID builds the deterministic client order id of a ledger record.
// Format: [TRADE]-[LABEL]-[VERSION] (e.g., "8Q2M4X7RZK1P-REBUY1-1").
// Replaying a submission with the same id addresses the same exchange order.
func ClientOrderID(tradeID, label string, version int) string {
	trade := sanitize(tradeID)
	if len(trade) > tradeCodeLength {
		trade = trade[len(trade)-tradeCodeLength:]
	}
	code := sanitize(label)
	if len(code) > labelCodeLength {
		code = code[:labelCodeLength]
	}
	if code == "" {
		code = "X"
	}
	return fmt.Sprintf("%s-%s-%d", trade, code, version)
}

// ValidateClientOrderID validates that a client order ID meets Binance requirements
func ValidateClientOrderID(id string) error {
	if id == "" {
		return ErrInvalidClientOrderID
	}
	if len(id) > MaxClientOrderIDLength {
		return fmt.Errorf("%w: ID '%s' is %d characters (max %d)", ErrClientOrderIDTooLong, id, len(id), MaxClientOrderIDLength)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: expected TRADE-LABEL-VERSION", ErrInvalidClientOrderID)
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return fmt.Errorf("%w: version '%s' is not a number", ErrInvalidClientOrderID, parts[2])
	}
	return nil
}

// sanitize keeps the characters Binance accepts and drops separators
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
