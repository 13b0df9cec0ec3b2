package firestore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	cartCollection              = "carts"
	productCollection           = "products"
	offerCollection             = "offers"
	couponCollection            = "coupons"
	userCollection              = "users"
	addressSubcollection        = "addresses"
	orderCollection             = "orders"
	walletTransactionCollection = "walletTransactions"
)

// Firestore stores money as numbers; the domain works in decimals.
func amountToNumber(value decimal.Decimal) float64 {
	f, _ := value.Round(2).Float64()
	return f
}

func numberToAmount(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value).Round(2)
}

// anyToAmount accepts the numeric shapes older writers left behind: floats, integers and numeric strings.
func anyToAmount(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return numberToAmount(v), nil
	case float32:
		return numberToAmount(float64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return decimal.Zero, nil
		}
		parsed, err := decimal.NewFromString(trimmed)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount %q: %w", v, err)
		}
		return parsed.Round(2), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", value)
	}
}

func anyToInt(value any) int {
	switch v := value.(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	default:
		return 0
	}
}

func optionalTime(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	v := value.UTC()
	return &v
}
