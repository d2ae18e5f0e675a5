package instruction

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	onceValidate sync.Once
)

func getValidator() *validator.Validate {
	onceValidate.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		})
	})
	return validate
}

// NewInstruction is the create payload accepted from an investment manager.
type NewInstruction struct {
	Title         string           `json:"title" validate:"required,max=200"`
	AssetCode     string           `json:"asset_code" validate:"required,max=50"`
	Side          Side             `json:"side" validate:"oneof=BUY SELL"`
	Qty           decimal.Decimal  `json:"qty"`
	PriceType     PriceType        `json:"price_type" validate:"oneof=MARKET LIMIT"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	Urgency       Urgency          `json:"urgency,omitempty" validate:"oneof=HIGH NORMAL LOW"`
	Remarks       string           `json:"remarks,omitempty"`
	TargetTraders []int64          `json:"target_traders,omitempty" validate:"dive,gt=0"`
	Deadline      *time.Time       `json:"deadline,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInstruction, fmt.Sprintf(format, args...))
}

// Validate normalises the payload in place and rejects malformed fields.
func (n *NewInstruction) Validate() error {
	n.Title = strings.TrimSpace(n.Title)
	n.AssetCode = strings.TrimSpace(n.AssetCode)
	n.Side = Side(strings.ToUpper(string(n.Side)))
	n.PriceType = PriceType(strings.ToUpper(string(n.PriceType)))
	if n.PriceType == "MKT" {
		n.PriceType = PriceMarket
	}
	n.Urgency = Urgency(strings.ToUpper(string(n.Urgency)))
	if n.Urgency == "" {
		n.Urgency = UrgencyNormal
	}

	if err := getValidator().Struct(n); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return invalid("%s failed on %s", e.Field(), e.Tag())
		}
		return invalid("%v", err)
	}
	if !n.Qty.IsPositive() {
		return invalid("qty must be positive")
	}

	switch n.PriceType {
	case PriceMarket:
		if n.LimitPrice != nil {
			return invalid("limit_price is only allowed for LIMIT instructions")
		}
	case PriceLimit:
		if n.LimitPrice == nil {
			return invalid("limit_price is required for LIMIT instructions")
		}
		if n.LimitPrice.IsNegative() {
			return invalid("limit_price must not be negative")
		}
	default:
		return invalid("price_type must be MARKET or LIMIT")
	}

	return nil
}

// Build turns a validated payload into an instruction owned by the creator.
// ID, Status and Version are left for the store and the engine to assign.
func (n *NewInstruction) Build(creatorID int64, creatorName, org string, now time.Time) *Instruction {
	in := &Instruction{
		Title:         n.Title,
		AssetCode:     n.AssetCode,
		Side:          n.Side,
		Qty:           n.Qty,
		PriceType:     n.PriceType,
		LimitPrice:    n.LimitPrice,
		Urgency:       n.Urgency,
		Remarks:       n.Remarks,
		TargetTraders: n.TargetTraders,
		Deadline:      n.Deadline,
		CreatedBy:     creatorID,
		CreatedByName: creatorName,
		Org:           org,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return in.Clone()
}
