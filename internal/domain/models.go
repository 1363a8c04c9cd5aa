package domain

import (
	"encoding/json"
	"time"
)

// SessionKind distinguishes the two session families that reserve stock.
type SessionKind string

const (
	KindCheckout SessionKind = "checkout"
	KindPOS      SessionKind = "pos"
)

// SessionRef identifies one reservation-holding session of either kind.
type SessionRef struct {
	Kind SessionKind `json:"kind"`
	ID   string      `json:"id"`
}

const (
	SessionStatusActive    = "active"
	SessionStatusHeld      = "held"
	SessionStatusVoided    = "voided"
	SessionStatusCompleted = "completed"
	SessionStatusExpired   = "expired"
)

// ProductSKU is a purchasable variant of a product. QuantityAvailable is the
// authoritative stock counter; it must never go negative.
type ProductSKU struct {
	ID                string            `json:"id"`
	ProductID         string            `json:"product_id"`
	StoreID           string            `json:"store_id"`
	Name              string            `json:"name"`
	PriceCents        int64             `json:"price_cents"`
	QuantityAvailable int               `json:"quantity_available"`
	Images            []string          `json:"images,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Active            bool              `json:"active"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// RequestedItem is one (SKU, quantity) pair in a reservation request.
type RequestedItem struct {
	ProductSKUID string `json:"productSkuId"`
	Quantity     int    `json:"quantity"`
}

// SessionItem is one reserved line of a session, with the unit price
// snapshotted at reservation time.
type SessionItem struct {
	ProductSKUID   string `json:"productSkuId"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// UnavailableProduct describes one SKU that could not be reserved.
type UnavailableProduct struct {
	ProductSKUID string `json:"productSkuId"`
	Requested    int    `json:"requested"`
	Available    int    `json:"available"`
}

// CheckoutSession is a storefront shopper's in-progress purchase attempt.
// Billing, customer and delivery details are opaque at this layer and passed
// through unchanged.
type CheckoutSession struct {
	ID                          string          `json:"id"`
	StoreID                     string          `json:"store_id"`
	CustomerID                  string          `json:"customer_id"`
	BagID                       string          `json:"bag_id,omitempty"`
	AmountCents                 int64           `json:"amount_cents"`
	Status                      string          `json:"status"`
	ExpiresAt                   time.Time       `json:"-"`
	IsFinalizingPayment         bool            `json:"is_finalizing_payment"`
	HasCompletedPayment         bool            `json:"has_completed_payment"`
	HasCompletedCheckoutSession bool            `json:"has_completed_checkout_session"`
	HasVerifiedPayment          bool            `json:"has_verified_payment"`
	PaymentReference            string          `json:"payment_reference,omitempty"`
	PlacedOrderID               string          `json:"placed_order_id,omitempty"`
	BillingDetails              json.RawMessage `json:"billing_details,omitempty"`
	CustomerDetails             json.RawMessage `json:"customer_details,omitempty"`
	DeliveryDetails             json.RawMessage `json:"delivery_details,omitempty"`
	CreatedAt                   time.Time       `json:"created_at"`
}

// Ref returns the session's reservation reference.
func (s CheckoutSession) Ref() SessionRef {
	return SessionRef{Kind: KindCheckout, ID: s.ID}
}

// POSSession is an in-person cashier-operated sale attempt. Unlike checkout
// sessions it can be held and resumed; the cart persists while held and the
// reservation stays live until the session leaves active/held.
type POSSession struct {
	ID            string        `json:"id"`
	StoreID       string        `json:"store_id"`
	TerminalID    string        `json:"terminal_id"`
	CashierID     string        `json:"cashier_id"`
	SessionNumber int           `json:"session_number"`
	Status        string        `json:"status"`
	CartItems     []SessionItem `json:"cart_items"`
	CustomerID    string        `json:"customer_id,omitempty"`
	ExpiresAt     time.Time     `json:"-"`
	HeldAt        *time.Time    `json:"held_at,omitempty"`
	HoldReason    string        `json:"hold_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (s POSSession) Ref() SessionRef {
	return SessionRef{Kind: KindPOS, ID: s.ID}
}

const (
	DiscountTypePercentage = "percentage"
	DiscountTypeAmount     = "amount"

	PromoSpanEntireOrder      = "entire-order"
	PromoSpanSelectedProducts = "selected-products"
)

// PromoCode is a redeemable discount code. DiscountValue is percent points
// for percentage codes and cents for amount codes. A RedemptionLimit of zero
// means unlimited.
type PromoCode struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`
	DiscountType    string    `json:"discount_type"`
	DiscountValue   int64     `json:"discount_value"`
	Span            string    `json:"span"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	Active          bool      `json:"active"`
	RedemptionLimit int       `json:"redemption_limit,omitempty"`
}

// PromoCodeItem associates a selected-products code with one SKU.
type PromoCodeItem struct {
	PromoCodeID  string `json:"promo_code_id"`
	ProductSKUID string `json:"productSkuId"`
}

// RedeemedPromoCode records one (code, user) redemption and doubles as the
// uniqueness guard: a user may redeem a given code at most once.
type RedeemedPromoCode struct {
	ID          string    `json:"id"`
	PromoCodeID string    `json:"promo_code_id"`
	UserRef     string    `json:"user_ref"`
	RedeemedAt  time.Time `json:"redeemed_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
