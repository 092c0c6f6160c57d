// Package validation provides request validation for the escrowd API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
)

// MaxRequestSize is the maximum request body size (64KB). Escrow actions are
// a handful of fixed-size fields.
const MaxRequestSize = 64 << 10

// MaxAmountBits bounds amounts to unsigned 128-bit values.
const MaxAmountBits = 128

// decimalRegex matches an unsigned decimal integer without sign or exponent.
var decimalRegex = regexp.MustCompile(`^[0-9]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// ParseAddress returns the address addr names after normalizing it.
func ParseAddress(addr string) (common.Address, bool) {
	addr = SanitizeAddress(addr)
	if !IsValidEthAddress(addr) {
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// SanitizeAddress normalizes an Ethereum address
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// IsDecimal reports whether s is an unsigned decimal integer.
func IsDecimal(s string) bool {
	return decimalRegex.MatchString(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address. The zero
// address is allowed; escrow rejects a wallet only when both parties are zero.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(SanitizeAddress(value)) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidAmount checks that value is an unsigned decimal integer of at most 128
// bits. Zero is a valid amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsDecimal(value) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		u, err := uint256.FromDecimal(value)
		if err != nil || u.BitLen() > MaxAmountBits {
			return &ValidationError{Field: field, Message: "amount must fit in 128 bits"}
		}
		return nil
	}
}

// ValidWalletID checks that value is a decimal id that fits in 256 bits.
func ValidWalletID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsDecimal(value) {
			return &ValidationError{Field: field, Message: "must be a decimal wallet id"}
		}
		if _, err := uint256.FromDecimal(value); err != nil {
			return &ValidationError{Field: field, Message: "wallet id out of range"}
		}
		return nil
	}
}

// WalletIDParamMiddleware rejects malformed :id URL parameters early.
func WalletIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ValidWalletID("id", c.Param("id"))(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_wallet_id",
				"message": "wallet id must be an unsigned decimal integer below 2^256",
			})
			return
		}
		c.Next()
	}
}
