package store

import (
	"time"

	"github.com/google/uuid"
)

// MaxTradeNoLen is the gateway limit on MerchantTradeNo.
const MaxTradeNoLen = 20

// OrderStatus is the payment status of a donation order.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// OrderKind selects which aggregate a paid order replenishes.
type OrderKind string

const (
	OrderKindRegular   OrderKind = "regular"
	OrderKindPackage   OrderKind = "package"
	OrderKindEmergency OrderKind = "emergency"
)

// Valid reports whether k is one of the known order kinds.
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindRegular, OrderKindPackage, OrderKindEmergency:
		return true
	}
	return false
}

// Accepts reports whether a line item belongs in an order of this kind.
func (k OrderKind) Accepts(l Line) bool {
	switch l.(type) {
	case SupplyLine:
		return k == OrderKindRegular || k == OrderKindPackage
	case NeedLine:
		return k == OrderKindEmergency
	}
	return false
}

// TransactionStatus tracks a checkout attempt at the gateway.
type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "PENDING"
	TransactionProcessing TransactionStatus = "PROCESSING"
	TransactionSuccess    TransactionStatus = "SUCCESS"
	TransactionFailed     TransactionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionSuccess || s == TransactionFailed
}

// NeedStatus is the fundraising state of an emergency need.
type NeedStatus string

const (
	NeedFundraising NeedStatus = "FUNDRAISING"
	NeedCompleted   NeedStatus = "COMPLETED"
)

// Order is a checkout created by the donation flow.
type Order struct {
	ID            uuid.UUID
	TradeNo       string
	OriginTradeNo string
	Attempts      int
	TotalAmount   int64
	Status        OrderStatus
	Kind          OrderKind
	NeedID        *uuid.UUID
	ItemName      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Line is an immutable order detail. It is either a SupplyLine or a NeedLine.
type Line interface {
	isLine()
	Quantity() int64
	Subtotal() int64
}

// SupplyLine donates units of a supply item.
type SupplyLine struct {
	SupplyID  uuid.UUID
	Qty       int64
	UnitPrice int64
}

func (SupplyLine) isLine() {}

// Quantity returns the number of units.
func (l SupplyLine) Quantity() int64 { return l.Qty }

// Subtotal returns Qty * UnitPrice.
func (l SupplyLine) Subtotal() int64 { return l.Qty * l.UnitPrice }

// NeedLine contributes units towards an emergency need.
type NeedLine struct {
	NeedID    uuid.UUID
	Qty       int64
	UnitPrice int64
}

func (NeedLine) isLine() {}

// Quantity returns the number of units.
func (l NeedLine) Quantity() int64 { return l.Qty }

// Subtotal returns Qty * UnitPrice.
func (l NeedLine) Subtotal() int64 { return l.Qty * l.UnitPrice }

// Transaction is the gateway-side record of an order's current checkout attempt.
type Transaction struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	TradeNo        string
	Status         TransactionStatus
	GatewayTradeNo string
	Payload        []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SettledAt      *time.Time
}

// Supply is a stock-keeping item owned by the inventory module.
type Supply struct {
	ID    uuid.UUID
	Name  string
	Stock int64
}

// EmergencyNeed is a fundraising target owned by the case module.
type EmergencyNeed struct {
	ID        uuid.UUID
	Title     string
	Requested int64
	Collected int64
	Status    NeedStatus
}
