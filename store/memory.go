package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loyalty-backend/apperr"
	"loyalty-backend/models"
)

type tokenKey struct {
	contextID uuid.UUID
	sequence  int64
}

type state struct {
	balances      map[uuid.UUID]models.Balance
	balanceByUser map[uuid.UUID]uuid.UUID
	entries       map[uuid.UUID][]models.TransactionEntry
	events        map[uuid.UUID]models.Event
	checkins      []models.Checkin
	tokens        map[tokenKey]models.Token
	kiosks        map[uuid.UUID]models.Kiosk
	products      map[uuid.UUID]models.Product
	movements     []models.StockMovement
	orders        map[uuid.UUID]models.Order
	carts         map[uuid.UUID][]models.CartItem
}

func newState() *state {
	return &state{
		balances:      make(map[uuid.UUID]models.Balance),
		balanceByUser: make(map[uuid.UUID]uuid.UUID),
		entries:       make(map[uuid.UUID][]models.TransactionEntry),
		events:        make(map[uuid.UUID]models.Event),
		tokens:        make(map[tokenKey]models.Token),
		kiosks:        make(map[uuid.UUID]models.Kiosk),
		products:      make(map[uuid.UUID]models.Product),
		orders:        make(map[uuid.UUID]models.Order),
		carts:         make(map[uuid.UUID][]models.CartItem),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	c := &state{
		balances:      cloneMap(s.balances),
		balanceByUser: cloneMap(s.balanceByUser),
		entries:       make(map[uuid.UUID][]models.TransactionEntry, len(s.entries)),
		events:        cloneMap(s.events),
		checkins:      append([]models.Checkin(nil), s.checkins...),
		tokens:        cloneMap(s.tokens),
		kiosks:        cloneMap(s.kiosks),
		products:      cloneMap(s.products),
		movements:     append([]models.StockMovement(nil), s.movements...),
		orders:        cloneMap(s.orders),
		carts:         make(map[uuid.UUID][]models.CartItem, len(s.carts)),
	}
	for k, v := range s.entries {
		c.entries[k] = append([]models.TransactionEntry(nil), v...)
	}
	for k, v := range s.carts {
		c.carts[k] = append([]models.CartItem(nil), v...)
	}
	return c
}

// MemoryStore keeps all state in process memory. Units of work run one at a
// time against a copy of the state that replaces the live state only when
// the unit succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *state
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newState()}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{s: m.state})
}

// PutProduct seeds or replaces an inventory record.
func (m *MemoryStore) PutProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
}

// StockMovements returns the stock audit trail of a product.
func (m *MemoryStore) StockMovements(productID uuid.UUID) []models.StockMovement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StockMovement
	for _, mv := range m.state.movements {
		if mv.ProductID == productID {
			out = append(out, mv)
		}
	}
	return out
}

// OrderCount returns the number of orders stored.
func (m *MemoryStore) OrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.state.orders)
}

type memTx struct {
	s *state
}

func (t *memTx) GetBalance(_ context.Context, userID uuid.UUID) (*models.Balance, error) {
	id, ok := t.s.balanceByUser[userID]
	if !ok {
		return nil, nil
	}
	b := t.s.balances[id]
	return &b, nil
}

func (t *memTx) EnsureBalance(_ context.Context, userID uuid.UUID, now time.Time) error {
	if _, ok := t.s.balanceByUser[userID]; ok {
		return nil
	}
	b := models.Balance{ID: uuid.New(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	t.s.balances[b.ID] = b
	t.s.balanceByUser[userID] = b.ID
	return nil
}

func (t *memTx) LockBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	b, err := t.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, apperr.NotFound("balance for user %s not found", userID)
	}
	return b, nil
}

func (t *memTx) LockBalanceByID(_ context.Context, balanceID uuid.UUID) (*models.Balance, error) {
	b, ok := t.s.balances[balanceID]
	if !ok {
		return nil, apperr.NotFound("balance %s not found", balanceID)
	}
	return &b, nil
}

func (t *memTx) SetBalancePoints(_ context.Context, balanceID uuid.UUID, points int64, now time.Time) error {
	b, ok := t.s.balances[balanceID]
	if !ok {
		return apperr.NotFound("balance %s not found", balanceID)
	}
	b.Points = points
	b.UpdatedAt = now
	t.s.balances[balanceID] = b
	return nil
}

func (t *memTx) InsertEntry(_ context.Context, e *models.TransactionEntry) error {
	t.s.entries[e.BalanceID] = append(t.s.entries[e.BalanceID], *e)
	return nil
}

func (t *memTx) ListEntries(_ context.Context, balanceID uuid.UUID) ([]models.TransactionEntry, error) {
	src := t.s.entries[balanceID]
	out := make([]models.TransactionEntry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (t *memTx) SumEntries(_ context.Context, balanceID uuid.UUID) (int64, error) {
	var sum int64
	for _, e := range t.s.entries[balanceID] {
		sum += e.Amount
	}
	return sum, nil
}

func (t *memTx) InsertEvent(_ context.Context, e *models.Event) error {
	if _, ok := t.s.events[e.ID]; ok {
		return ErrConflict
	}
	t.s.events[e.ID] = *e
	return nil
}

func (t *memTx) GetEvent(_ context.Context, id uuid.UUID) (*models.Event, error) {
	e, ok := t.s.events[id]
	if !ok {
		return nil, apperr.NotFound("event %s not found", id)
	}
	return &e, nil
}

func (t *memTx) LockEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return t.GetEvent(ctx, id)
}

func (t *memTx) SetEventStatus(_ context.Context, id uuid.UUID, status string) error {
	e, ok := t.s.events[id]
	if !ok {
		return apperr.NotFound("event %s not found", id)
	}
	e.Status = status
	t.s.events[id] = e
	return nil
}

func (t *memTx) ListCheckins(_ context.Context, eventID uuid.UUID) ([]models.Checkin, error) {
	var out []models.Checkin
	for _, c := range t.s.checkins {
		if c.EventID == eventID {
			out = append(out, c)
		}
	}
	sortCheckins(out)
	return out, nil
}

func (t *memTx) ListUserCheckins(_ context.Context, eventID, userID uuid.UUID) ([]models.Checkin, error) {
	var out []models.Checkin
	for _, c := range t.s.checkins {
		if c.EventID == eventID && c.UserID == userID {
			out = append(out, c)
		}
	}
	sortCheckins(out)
	return out, nil
}

// sortCheckins orders newest first, like the SQL queries.
func sortCheckins(cs []models.Checkin) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].CheckedInAt.After(cs[j].CheckedInAt)
	})
}

func (t *memTx) InsertCheckin(_ context.Context, c *models.Checkin) error {
	for _, existing := range t.s.checkins {
		if existing.EventID == c.EventID && existing.UserID == c.UserID && existing.Sequence == c.Sequence {
			return ErrConflict
		}
	}
	t.s.checkins = append(t.s.checkins, *c)
	return nil
}

func (t *memTx) GetToken(_ context.Context, contextID uuid.UUID, sequence int64) (*models.Token, error) {
	tok, ok := t.s.tokens[tokenKey{contextID, sequence}]
	if !ok {
		return nil, apperr.NotFound("token not found")
	}
	return &tok, nil
}

func (t *memTx) GetTokenByOrder(_ context.Context, orderID uuid.UUID) (*models.Token, error) {
	for _, tok := range t.s.tokens {
		if tok.OrderID != nil && *tok.OrderID == orderID {
			return &tok, nil
		}
	}
	return nil, apperr.NotFound("token not found")
}

func (t *memTx) InsertToken(_ context.Context, tok *models.Token) (bool, error) {
	key := tokenKey{tok.ContextID, tok.Sequence}
	if _, ok := t.s.tokens[key]; ok {
		return false, nil
	}
	t.s.tokens[key] = *tok
	return true, nil
}

func (t *memTx) InsertKiosk(_ context.Context, k *models.Kiosk) error {
	if _, ok := t.s.kiosks[k.ID]; ok {
		return ErrConflict
	}
	t.s.kiosks[k.ID] = *k
	return nil
}

func (t *memTx) GetKiosk(_ context.Context, id uuid.UUID) (*models.Kiosk, error) {
	k, ok := t.s.kiosks[id]
	if !ok {
		return nil, apperr.NotFound("kiosk %s not found", id)
	}
	return &k, nil
}

func (t *memTx) NextKioskSequence(_ context.Context, kioskID uuid.UUID) (int64, error) {
	k, ok := t.s.kiosks[kioskID]
	if !ok {
		return 0, apperr.NotFound("kiosk %s not found", kioskID)
	}
	k.TokenSequence++
	t.s.kiosks[kioskID] = k
	return k.TokenSequence, nil
}

func (t *memTx) GetProduct(_ context.Context, id uuid.UUID) (*models.Product, error) {
	p, ok := t.s.products[id]
	if !ok {
		return nil, apperr.NotFound("product %s not found", id)
	}
	return &p, nil
}

func (t *memTx) LockProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	return t.GetProduct(ctx, id)
}

func (t *memTx) SetProductStock(_ context.Context, id uuid.UUID, stock int) error {
	p, ok := t.s.products[id]
	if !ok {
		return apperr.NotFound("product %s not found", id)
	}
	p.Stock = stock
	t.s.products[id] = p
	return nil
}

func (t *memTx) InsertStockMovement(_ context.Context, mv *models.StockMovement) error {
	t.s.movements = append(t.s.movements, *mv)
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *models.Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return ErrConflict
	}
	stored := *o
	stored.Items = append([]models.OrderItem(nil), o.Items...)
	t.s.orders[o.ID] = stored
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return &o, nil
}

func (t *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memTx) UpdateOrder(_ context.Context, o *models.Order) error {
	existing, ok := t.s.orders[o.ID]
	if !ok {
		return apperr.NotFound("order %s not found", o.ID)
	}
	existing.Status = o.Status
	existing.BuyerID = o.BuyerID
	existing.CompletedAt = o.CompletedAt
	t.s.orders[o.ID] = existing
	return nil
}

func (t *memTx) UpsertCartItem(_ context.Context, item models.CartItem) error {
	items := t.s.carts[item.UserID]
	for i := range items {
		if items[i].ProductID == item.ProductID {
			items[i].Quantity = item.Quantity
			return nil
		}
	}
	t.s.carts[item.UserID] = append(items, item)
	return nil
}

func (t *memTx) ListCartItems(_ context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	return append([]models.CartItem(nil), t.s.carts[userID]...), nil
}

func (t *memTx) ClearCart(_ context.Context, userID uuid.UUID) error {
	delete(t.s.carts, userID)
	return nil
}
