// Package ledger is the authoritative in-memory record of the session's
// positions and account state. All mutations pass through one mutex; readers
// receive copies.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// OpenDetails carries a confirmed entry fill.
type OpenDetails struct {
	EntryPrice    float64
	Quantity      int64
	EntryTime     time.Time
	TakeProfitPct float64
	StopLossPct   float64
	OrderID       string
}

// ExitDetails carries a confirmed exit fill.
type ExitDetails struct {
	ExitPrice float64
	ExitTime  time.Time
	Reason    domain.ExitReason
	OrderID   string
	// Quantity, when positive, replaces the position quantity before P&L is
	// computed. It is used when the brokerage covered a different amount.
	Quantity int64
}

// Snapshot is a consistent copy of the ledger.
type Snapshot struct {
	Session     Session           `json:"session"`
	Positions   []domain.Position `json:"positions"`
	Performance Performance       `json:"performance"`
	TakenAt     time.Time         `json:"taken_at"`
}

// Ledger tracks positions for one session. The zero value is not usable;
// construct with New.
type Ledger struct {
	mu        sync.RWMutex
	session   Session
	positions map[string]*domain.Position
	active    map[string]string // symbol -> position id
	order     []string
	now       func() time.Time
}

// New creates a Ledger that owns the given session state.
func New(session Session) *Ledger {
	return &Ledger{
		session:   session,
		positions: make(map[string]*domain.Position),
		active:    make(map[string]string),
		now:       time.Now,
	}
}

// WithClock overrides the clock used for UpdatedAt stamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// Reserve claims symbol with a Pending position while an entry order is in
// flight. It fails with ErrDuplicatePosition when the symbol already has an
// active position.
func (l *Ledger) Reserve(symbol string, qty int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.active[symbol]; ok {
		return "", fmt.Errorf("ledger: reserve %s (held by %s): %w", symbol, id, domain.ErrDuplicatePosition)
	}
	p := &domain.Position{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Quantity:  qty,
		Status:    domain.PositionStatusPending,
		UpdatedAt: l.now(),
	}
	l.insert(p)
	return p.ID, nil
}

// Confirm finalizes a Pending position from the brokerage fill.
func (l *Ledger) Confirm(id string, d OpenDetails) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: confirm %s: %w", id, domain.ErrNotFound)
	}
	if p.Status != domain.PositionStatusPending {
		return domain.Position{}, fmt.Errorf("ledger: confirm %s in status %s: %w", id, p.Status, domain.ErrNotOpen)
	}
	if err := validateEntry(d); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: confirm %s: %w", id, err)
	}
	l.applyEntry(p, d)
	return *p, nil
}

// Open records an already-confirmed short directly as Open.
func (l *Ledger) Open(symbol string, d OpenDetails) (string, error) {
	if err := validateEntry(d); err != nil {
		return "", fmt.Errorf("ledger: open %s: %w", symbol, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.active[symbol]; ok {
		return "", fmt.Errorf("ledger: open %s (held by %s): %w", symbol, id, domain.ErrDuplicatePosition)
	}
	p := &domain.Position{ID: uuid.NewString(), Symbol: symbol}
	l.applyEntry(p, d)
	l.insert(p)
	return p.ID, nil
}

// BeginClose moves an Open position to Closing while an exit is in flight.
func (l *Ledger) BeginClose(id string) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: begin close %s: %w", id, domain.ErrNotFound)
	}
	switch p.Status {
	case domain.PositionStatusOpen:
		p.Status = domain.PositionStatusClosing
		p.UpdatedAt = l.now()
	case domain.PositionStatusClosing:
	default:
		return domain.Position{}, fmt.Errorf("ledger: begin close %s in status %s: %w", id, p.Status, domain.ErrNotOpen)
	}
	return *p, nil
}

// Close finalizes a position and books its realized P&L into the session.
// It fails with ErrNotOpen, without mutating anything, unless the position
// is Open or Closing.
func (l *Ledger) Close(id string, d ExitDetails) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: close %s: %w", id, domain.ErrNotFound)
	}
	if p.Status != domain.PositionStatusOpen && p.Status != domain.PositionStatusClosing {
		return domain.Position{}, fmt.Errorf("ledger: close %s in status %s: %w", id, p.Status, domain.ErrNotOpen)
	}
	if d.ExitPrice <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: close %s: exit price %v must be positive", id, d.ExitPrice)
	}

	if d.Quantity > 0 {
		p.Quantity = d.Quantity
	}
	exitPrice := d.ExitPrice
	exitTime := d.ExitTime
	p.ExitPrice = &exitPrice
	p.ExitTime = &exitTime
	p.ExitReason = d.Reason
	p.ExitOrderID = d.OrderID
	p.RealizedPnL = round2((p.EntryPrice - exitPrice) * float64(p.Quantity))
	p.Status = domain.PositionStatusClosed
	p.UpdatedAt = l.now()

	l.session.RealizedPnL = round2(l.session.RealizedPnL + p.RealizedPnL)
	l.session.Balance = round2(l.session.Balance + p.RealizedPnL)
	delete(l.active, p.Symbol)
	return *p, nil
}

// Reopen returns a Closing position to Open after an exit attempt that
// definitively did not execute.
func (l *Ledger) Reopen(id string) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: reopen %s: %w", id, domain.ErrNotFound)
	}
	if p.Status != domain.PositionStatusClosing {
		return domain.Position{}, fmt.Errorf("ledger: reopen %s in status %s: %w", id, p.Status, domain.ErrNotOpen)
	}
	p.Status = domain.PositionStatusOpen
	p.UpdatedAt = l.now()
	return *p, nil
}

// BookCover realizes the P&L of qty shares already bought back at price and
// shrinks the position to the shares still short. The position keeps its
// status; exit fields stay unset.
func (l *Ledger) BookCover(id string, qty int64, price float64) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: book cover %s: %w", id, domain.ErrNotFound)
	}
	if p.Status != domain.PositionStatusOpen && p.Status != domain.PositionStatusClosing {
		return domain.Position{}, fmt.Errorf("ledger: book cover %s in status %s: %w", id, p.Status, domain.ErrNotOpen)
	}
	if qty <= 0 || qty >= p.Quantity {
		return domain.Position{}, fmt.Errorf("ledger: book cover %s: quantity %d outside (0, %d)", id, qty, p.Quantity)
	}
	if price <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: book cover %s: price %v must be positive", id, price)
	}

	pnl := round2((p.EntryPrice - price) * float64(qty))
	p.Quantity -= qty
	p.RealizedPnL = round2(p.RealizedPnL + pnl)
	p.UpdatedAt = l.now()

	l.session.RealizedPnL = round2(l.session.RealizedPnL + pnl)
	l.session.Balance = round2(l.session.Balance + pnl)
	return *p, nil
}

// MarkFailed moves a non-terminal position to Failed. Exit fields stay unset.
func (l *Ledger) MarkFailed(id, reason string) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: mark failed %s: %w", id, domain.ErrNotFound)
	}
	if p.Status.Terminal() {
		return domain.Position{}, fmt.Errorf("ledger: mark failed %s in status %s: %w", id, p.Status, domain.ErrNotOpen)
	}
	p.Status = domain.PositionStatusFailed
	p.FailureReason = reason
	p.UpdatedAt = l.now()
	delete(l.active, p.Symbol)
	return *p, nil
}

// Get returns the active position for symbol.
func (l *Ledger) Get(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.active[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *l.positions[id], true
}

// ByID returns the position with the given id.
func (l *Ledger) ByID(id string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// OpenPositions returns every Open or Closing position ordered by entry.
func (l *Ledger) OpenPositions() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Position
	for _, id := range l.order {
		p := l.positions[id]
		if p.Status == domain.PositionStatusOpen || p.Status == domain.PositionStatusClosing {
			out = append(out, *p)
		}
	}
	return out
}

// Active returns the number of Pending, Open and Closing positions.
func (l *Ledger) Active() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.active)
}

// HasFailed reports whether symbol has a Failed position this session.
func (l *Ledger) HasFailed(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, p := range l.positions {
		if p.Symbol == symbol && p.Status == domain.PositionStatusFailed {
			return true
		}
	}
	return false
}

// Session returns a copy of the session state.
func (l *Ledger) Session() Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.session
}

// Snapshot returns a consistent copy of all positions and the session.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	positions := make([]domain.Position, 0, len(l.order))
	for _, id := range l.order {
		positions = append(positions, clonePosition(*l.positions[id]))
	}
	return Snapshot{
		Session:     l.session,
		Positions:   positions,
		Performance: performance(l.session, positions),
		TakenAt:     l.now(),
	}
}

func (l *Ledger) insert(p *domain.Position) {
	l.positions[p.ID] = p
	l.active[p.Symbol] = p.ID
	l.order = append(l.order, p.ID)
}

func (l *Ledger) applyEntry(p *domain.Position, d OpenDetails) {
	p.EntryPrice = d.EntryPrice
	p.Quantity = d.Quantity
	p.EntryTime = d.EntryTime
	p.EntryOrderID = d.OrderID
	p.TakeProfitPrice, p.StopLossPrice = domain.ShortTargets(d.EntryPrice, d.TakeProfitPct, d.StopLossPct)
	p.Status = domain.PositionStatusOpen
	p.UpdatedAt = l.now()
}

func validateEntry(d OpenDetails) error {
	switch {
	case d.EntryPrice <= 0:
		return fmt.Errorf("entry price %v must be positive", d.EntryPrice)
	case d.Quantity <= 0:
		return fmt.Errorf("quantity %d must be positive", d.Quantity)
	case d.TakeProfitPct <= 0 || d.TakeProfitPct >= 100:
		return fmt.Errorf("take profit %v%% out of range", d.TakeProfitPct)
	case d.StopLossPct <= 0:
		return fmt.Errorf("stop loss %v%% out of range", d.StopLossPct)
	}
	return nil
}

func clonePosition(p domain.Position) domain.Position {
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		p.ExitPrice = &v
	}
	if p.ExitTime != nil {
		v := *p.ExitTime
		p.ExitTime = &v
	}
	return p
}

func performance(s Session, positions []domain.Position) Performance {
	var perf Performance
	var pnls []float64
	for _, p := range positions {
		switch p.Status {
		case domain.PositionStatusClosed:
			pnls = append(pnls, p.RealizedPnL)
		case domain.PositionStatusFailed:
			perf.FailedCount++
		}
	}
	if len(pnls) == 0 {
		return perf
	}
	sort.Float64s(pnls)
	perf.Trades = len(pnls)
	perf.WorstTrade = pnls[0]
	perf.BestTrade = pnls[len(pnls)-1]
	for _, v := range pnls {
		perf.TotalPnL += v
		if v > 0 {
			perf.Wins++
		} else if v < 0 {
			perf.Losses++
		}
	}
	perf.TotalPnL = round2(perf.TotalPnL)
	perf.AveragePnL = round2(perf.TotalPnL / float64(perf.Trades))
	perf.WinRate = round2(float64(perf.Wins) / float64(perf.Trades) * 100)
	if s.InitialBalance > 0 {
		perf.ReturnPct = round2(perf.TotalPnL / s.InitialBalance * 100)
	}
	return perf
}
