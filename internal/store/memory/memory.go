// Package memory is a mutex-guarded in-memory Repository used for dev mode
// and unit tests. Every mutating method runs under the store lock, which
// gives it the same atomicity guarantees the postgres implementation gets
// from transactions.
package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	skus             map[string]domain.ProductSKU
	checkoutSessions map[string]domain.CheckoutSession
	posSessions      map[string]domain.POSSession
	sessionItems     map[string][]domain.SessionItem
	posSeqByStore    map[string]int
	promosByCode     map[string]domain.PromoCode
	promoSKUsByID    map[string][]string
	redemptions      map[string]domain.RedeemedPromoCode
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		skus:             make(map[string]domain.ProductSKU),
		checkoutSessions: make(map[string]domain.CheckoutSession),
		posSessions:      make(map[string]domain.POSSession),
		sessionItems:     make(map[string][]domain.SessionItem),
		posSeqByStore:    make(map[string]int),
		promosByCode:     make(map[string]domain.PromoCode),
		promoSKUsByID:    make(map[string][]string),
		redemptions:      make(map[string]domain.RedeemedPromoCode),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store pre-populated with demo SKUs, promo codes and
// user accounts for dev mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	skus := []domain.ProductSKU{
		{ID: "sku-tee-blk-m", ProductID: "prod-tee", Name: "Classic Tee Black M", PriceCents: 2400, QuantityAvailable: 40, Attributes: map[string]string{"color": "black", "size": "M"}},
		{ID: "sku-tee-blk-l", ProductID: "prod-tee", Name: "Classic Tee Black L", PriceCents: 2400, QuantityAvailable: 35, Attributes: map[string]string{"color": "black", "size": "L"}},
		{ID: "sku-wave-18", ProductID: "prod-wave", Name: "Body Wave Bundle 18in", PriceCents: 8900, QuantityAvailable: 12, Attributes: map[string]string{"color": "natural", "length": "18"}},
		{ID: "sku-wave-22", ProductID: "prod-wave", Name: "Body Wave Bundle 22in", PriceCents: 10900, QuantityAvailable: 8, Attributes: map[string]string{"color": "natural", "length": "22"}},
		{ID: "sku-lace-13x4", ProductID: "prod-lace", Name: "Lace Frontal 13x4", PriceCents: 12500, QuantityAvailable: 6, Attributes: map[string]string{"color": "natural"}},
		{ID: "sku-edge-ctrl", ProductID: "prod-edge", Name: "Edge Control 4oz", PriceCents: 1200, QuantityAvailable: 60, Attributes: map[string]string{}},
	}
	for _, sku := range skus {
		sku.StoreID = "main-store"
		sku.Active = true
		sku.UpdatedAt = now
		s.skus[sku.ID] = sku
	}

	welcome := domain.PromoCode{
		ID:            xid.New("promo"),
		Code:          "WELCOME10",
		DiscountType:  domain.DiscountTypePercentage,
		DiscountValue: 10,
		Span:          domain.PromoSpanEntireOrder,
		StartsAt:      now.AddDate(0, -1, 0),
		EndsAt:        now.AddDate(1, 0, 0),
		Active:        true,
	}
	bundle := domain.PromoCode{
		ID:            xid.New("promo"),
		Code:          "BUNDLE5",
		DiscountType:  domain.DiscountTypeAmount,
		DiscountValue: 500,
		Span:          domain.PromoSpanSelectedProducts,
		StartsAt:      now.AddDate(0, -1, 0),
		EndsAt:        now.AddDate(1, 0, 0),
		Active:        true,
	}
	s.promosByCode[welcome.Code] = welcome
	s.promosByCode[bundle.Code] = bundle
	s.promoSKUsByID[bundle.ID] = []string{"sku-wave-18", "sku-wave-22"}

	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, dev defaults are used with a warning. The memory store is never
// selected in production (postgres is used when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) Close() error { return nil }

// ---------------- stock ledger ----------------

func (s *Store) ListSKUs(_ context.Context, storeID string) ([]domain.ProductSKU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ProductSKU, 0, len(s.skus))
	for _, sku := range s.skus {
		if sku.StoreID == storeID && sku.Active {
			out = append(out, sku)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetSKU(_ context.Context, skuID string) (*domain.ProductSKU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sku, ok := s.skus[skuID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := sku
	return &out, nil
}

func (s *Store) GetStockMap(_ context.Context, storeID string, skuIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stock := make(map[string]int, len(skuIDs))
	for _, id := range skuIDs {
		if sku, ok := s.skus[id]; ok && sku.StoreID == storeID {
			stock[id] = sku.QuantityAvailable
		} else {
			stock[id] = 0
		}
	}
	return stock, nil
}

func (s *Store) SetStock(_ context.Context, storeID string, skuID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sku, ok := s.skus[skuID]
	if !ok || sku.StoreID != storeID {
		return store.ErrNotFound
	}
	sku.QuantityAvailable = qty
	sku.UpdatedAt = time.Now().UTC()
	s.skus[skuID] = sku
	return nil
}

// AddSKU seeds a SKU directly; used by dev setup and tests.
func (s *Store) AddSKU(sku domain.ProductSKU) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skus[sku.ID] = sku
}

// AddPromoCode seeds a promo code with its covered SKUs; used by tests.
func (s *Store) AddPromoCode(code domain.PromoCode, skuIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promosByCode[code.Code] = code
	if len(skuIDs) > 0 {
		s.promoSKUsByID[code.ID] = append([]string(nil), skuIDs...)
	}
}

// ---------------- atomic reserve ----------------

// reserveLocked checks availability for every requested item and, only when
// all are available, decrements the ledger and returns the priced line items.
// Callers must hold the write lock.
func (s *Store) reserveLocked(storeID string, items []domain.RequestedItem) ([]domain.SessionItem, int64, error) {
	if len(items) == 0 {
		return nil, 0, store.ErrInvalidInput
	}

	var unavailable []domain.UnavailableProduct
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, 0, store.ErrInvalidInput
		}
		sku, ok := s.skus[item.ProductSKUID]
		available := 0
		if ok && sku.StoreID == storeID && sku.Active {
			available = sku.QuantityAvailable
		}
		if available < item.Quantity {
			unavailable = append(unavailable, domain.UnavailableProduct{
				ProductSKUID: item.ProductSKUID,
				Requested:    item.Quantity,
				Available:    available,
			})
		}
	}
	if len(unavailable) > 0 {
		return nil, 0, &domain.InsufficientStockError{Unavailable: unavailable}
	}

	now := time.Now().UTC()
	lines := make([]domain.SessionItem, 0, len(items))
	var amount int64
	for _, item := range items {
		sku := s.skus[item.ProductSKUID]
		sku.QuantityAvailable -= item.Quantity
		sku.UpdatedAt = now
		s.skus[item.ProductSKUID] = sku

		lines = append(lines, domain.SessionItem{
			ProductSKUID:   item.ProductSKUID,
			Quantity:       item.Quantity,
			UnitPriceCents: sku.PriceCents,
		})
		amount += int64(item.Quantity) * sku.PriceCents
	}
	return lines, amount, nil
}

// restockLocked returns a session's reserved quantities to the ledger.
func (s *Store) restockLocked(items []domain.SessionItem) {
	now := time.Now().UTC()
	for _, item := range items {
		sku, ok := s.skus[item.ProductSKUID]
		if !ok {
			continue
		}
		sku.QuantityAvailable += item.Quantity
		sku.UpdatedAt = now
		s.skus[item.ProductSKUID] = sku
	}
}

func (s *Store) CreateCheckoutSession(_ context.Context, session domain.CheckoutSession, items []domain.RequestedItem) (*domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, amount, err := s.reserveLocked(session.StoreID, items)
	if err != nil {
		return nil, err
	}

	session.AmountCents = amount
	session.Status = domain.SessionStatusActive
	s.checkoutSessions[session.ID] = session
	s.sessionItems[session.ID] = lines

	out := session
	return &out, nil
}

func (s *Store) CreatePOSSession(_ context.Context, session domain.POSSession, items []domain.RequestedItem) (*domain.POSSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, existing := range s.posSessions {
		if existing.StoreID == session.StoreID &&
			existing.TerminalID == session.TerminalID &&
			existing.CashierID == session.CashierID &&
			existing.Status == domain.SessionStatusActive &&
			existing.ExpiresAt.After(now) {
			return nil, store.ErrActiveSessionExists
		}
	}

	lines, _, err := s.reserveLocked(session.StoreID, items)
	if err != nil {
		return nil, err
	}

	s.posSeqByStore[session.StoreID]++
	session.SessionNumber = s.posSeqByStore[session.StoreID]
	session.Status = domain.SessionStatusActive
	session.CartItems = append([]domain.SessionItem(nil), lines...)
	s.posSessions[session.ID] = session
	s.sessionItems[session.ID] = lines

	out := session
	out.CartItems = append([]domain.SessionItem(nil), lines...)
	return &out, nil
}

// ---------------- checkout session lifecycle ----------------

func (s *Store) GetCheckoutSession(_ context.Context, id string) (*domain.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.checkoutSessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := session
	return &out, nil
}

func (s *Store) CompleteCheckoutSession(_ context.Context, id string, placedOrderID string, _ time.Time) (*domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.checkoutSessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusActive {
		return nil, store.ErrSessionTerminal
	}

	session.Status = domain.SessionStatusCompleted
	session.PlacedOrderID = placedOrderID
	session.IsFinalizingPayment = false
	session.HasCompletedPayment = true
	session.HasCompletedCheckoutSession = true
	s.checkoutSessions[id] = session

	out := session
	return &out, nil
}

func (s *Store) ExpireCheckoutSession(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.checkoutSessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if session.Status != domain.SessionStatusActive {
		return store.ErrSessionTerminal
	}

	s.restockLocked(s.sessionItems[id])
	session.Status = domain.SessionStatusExpired
	s.checkoutSessions[id] = session
	return nil
}

// ---------------- POS session lifecycle ----------------

func (s *Store) GetPOSSession(_ context.Context, id string) (*domain.POSSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyPOSLocked(id)
}

func (s *Store) copyPOSLocked(id string) (*domain.POSSession, error) {
	session, ok := s.posSessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := session
	out.CartItems = append([]domain.SessionItem(nil), session.CartItems...)
	return &out, nil
}

func (s *Store) GetActivePOSSession(_ context.Context, storeID string, terminalID string, cashierID string) (*domain.POSSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, session := range s.posSessions {
		if session.StoreID == storeID &&
			session.TerminalID == terminalID &&
			session.CashierID == cashierID &&
			session.Status == domain.SessionStatusActive {
			return s.copyPOSLocked(id)
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListHeldPOSSessions(_ context.Context, storeID string, terminalID string, cashierID string, limit int) ([]domain.POSSession, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.POSSession, 0, 8)
	for _, session := range s.posSessions {
		if session.StoreID != storeID || session.Status != domain.SessionStatusHeld {
			continue
		}
		if terminalID != "" && session.TerminalID != terminalID {
			continue
		}
		if cashierID != "" && session.CashierID != cashierID {
			continue
		}
		copied := session
		copied.CartItems = append([]domain.SessionItem(nil), session.CartItems...)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].HeldAt, out[j].HeldAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HoldPOSSession(_ context.Context, id string, reason string, at time.Time) (*domain.POSSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.posSessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusActive {
		return nil, &domain.InvalidStateTransitionError{SessionID: id, Current: session.Status, Attempted: domain.SessionStatusHeld}
	}

	session.Status = domain.SessionStatusHeld
	session.HeldAt = &at
	session.HoldReason = reason
	s.posSessions[id] = session
	return s.copyPOSLocked(id)
}

func (s *Store) ResumePOSSession(_ context.Context, id string, at time.Time) (*domain.POSSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.posSessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusHeld {
		return nil, &domain.InvalidStateTransitionError{SessionID: id, Current: session.Status, Attempted: domain.SessionStatusActive}
	}
	if !session.ExpiresAt.After(at) {
		return nil, &domain.InvalidStateTransitionError{SessionID: id, Current: domain.SessionStatusExpired, Attempted: domain.SessionStatusActive}
	}
	for otherID, other := range s.posSessions {
		if otherID != id &&
			other.StoreID == session.StoreID &&
			other.TerminalID == session.TerminalID &&
			other.CashierID == session.CashierID &&
			other.Status == domain.SessionStatusActive &&
			other.ExpiresAt.After(at) {
			return nil, store.ErrActiveSessionExists
		}
	}

	session.Status = domain.SessionStatusActive
	session.HeldAt = nil
	session.HoldReason = ""
	s.posSessions[id] = session
	return s.copyPOSLocked(id)
}

func (s *Store) ReleasePOSSession(_ context.Context, id string, toStatus string, _ time.Time) error {
	if toStatus != domain.SessionStatusVoided && toStatus != domain.SessionStatusExpired {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.posSessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if session.Status != domain.SessionStatusActive && session.Status != domain.SessionStatusHeld {
		return store.ErrSessionTerminal
	}

	s.restockLocked(s.sessionItems[id])
	session.Status = toStatus
	session.HeldAt = nil
	s.posSessions[id] = session
	return nil
}

func (s *Store) CompletePOSSession(_ context.Context, id string, _ time.Time) (*domain.POSSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.posSessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusActive && session.Status != domain.SessionStatusHeld {
		return nil, store.ErrSessionTerminal
	}

	session.Status = domain.SessionStatusCompleted
	session.HeldAt = nil
	s.posSessions[id] = session
	return s.copyPOSLocked(id)
}

// ---------------- sweep + conflict guard reads ----------------

func (s *Store) ListExpiredSessionRefs(_ context.Context, now time.Time, limit int) ([]domain.SessionRef, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]domain.SessionRef, 0, 16)
	for id, session := range s.checkoutSessions {
		if session.Status == domain.SessionStatusActive && !session.ExpiresAt.After(now) {
			refs = append(refs, domain.SessionRef{Kind: domain.KindCheckout, ID: id})
		}
	}
	for id, session := range s.posSessions {
		if (session.Status == domain.SessionStatusActive || session.Status == domain.SessionStatusHeld) && !session.ExpiresAt.After(now) {
			refs = append(refs, domain.SessionRef{Kind: domain.KindPOS, ID: id})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (s *Store) ListLiveSessionIDs(_ context.Context, storeID string, kind domain.SessionKind, since time.Time, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, 16)
	switch kind {
	case domain.KindCheckout:
		for id, session := range s.checkoutSessions {
			if session.StoreID == storeID &&
				!session.HasCompletedCheckoutSession &&
				session.CreatedAt.After(since) &&
				session.ExpiresAt.After(now) {
				ids = append(ids, id)
			}
		}
	case domain.KindPOS:
		for id, session := range s.posSessions {
			if session.StoreID == storeID &&
				(session.Status == domain.SessionStatusActive || session.Status == domain.SessionStatusHeld) &&
				session.ExpiresAt.After(now) {
				ids = append(ids, id)
			}
		}
	default:
		return nil, store.ErrInvalidInput
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetSessionItems(_ context.Context, sessionID string) ([]domain.SessionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, ok := s.sessionItems[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]domain.SessionItem(nil), items...), nil
}

// ---------------- promo codes ----------------

func (s *Store) GetPromoCodeByCode(_ context.Context, code string) (*domain.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	promo, ok := s.promosByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := promo
	return &out, nil
}

func (s *Store) GetPromoCodeSKUs(_ context.Context, promoCodeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.promoSKUsByID[promoCodeID]...), nil
}

func redemptionKey(promoCodeID string, userRef string) string {
	return promoCodeID + "|" + userRef
}

func (s *Store) FindRedemption(_ context.Context, promoCodeID string, userRef string) (*domain.RedeemedPromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	redemption, ok := s.redemptions[redemptionKey(promoCodeID, userRef)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := redemption
	return &out, nil
}

func (s *Store) CountRedemptions(_ context.Context, promoCodeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, redemption := range s.redemptions {
		if redemption.PromoCodeID == promoCodeID {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateRedemption(_ context.Context, redemption domain.RedeemedPromoCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := redemptionKey(redemption.PromoCodeID, redemption.UserRef)
	if _, exists := s.redemptions[key]; exists {
		return store.ErrAlreadyRedeemed
	}
	s.redemptions[key] = redemption
	return nil
}

// ---------------- auth ----------------

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := user
	return &out, nil
}
