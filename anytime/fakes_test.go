package anytime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakePool struct {
	mu        sync.Mutex
	txs       []*fakeTx
	beginErr  error
	commitErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	tx := &fakeTx{commitErr: f.commitErr}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

func (f *fakePool) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tx := range f.txs {
		if tx.committed {
			n++
		}
	}
	return n
}

type fakeTx struct {
	rolled    bool
	committed bool
	commitErr error
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// fakeStore keeps windows in memory. Its conditional writes check and set
// under one mutex, mirroring the single-row atomicity of the real store.
type fakeStore struct {
	mu        sync.Mutex
	windows   map[string]FlexibleWindow
	inserts   int
	insertErr error
	getErr    error
	// beforeClaim runs inside ClaimIfUnclaimed before the guard is checked.
	beforeClaim func(windowID string)
	// afterClaimMiss runs when ClaimIfUnclaimed's guard fails, before the
	// caller re-reads the window.
	afterClaimMiss func(windowID string)
}

func newFakeStore(windows ...FlexibleWindow) *fakeStore {
	s := &fakeStore{windows: make(map[string]FlexibleWindow)}
	for _, w := range windows {
		s.windows[w.ID] = w
	}
	return s
}

func (s *fakeStore) get(id string) FlexibleWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[id]
}

func (s *fakeStore) Insert(ctx context.Context, tx pgx.Tx, w FlexibleWindow) (FlexibleWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return FlexibleWindow{}, s.insertErr
	}
	if _, ok := s.windows[w.ID]; ok {
		return FlexibleWindow{}, ErrDuplicateWindow
	}
	s.inserts++
	w.CreatedAt = time.Now().UTC()
	w.UpdatedAt = w.CreatedAt
	s.windows[w.ID] = w
	return w, nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (FlexibleWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return FlexibleWindow{}, s.getErr
	}
	w, ok := s.windows[id]
	if !ok {
		return FlexibleWindow{}, notFoundError(id)
	}
	return w, nil
}

func (s *fakeStore) UpdateDetails(ctx context.Context, id string, upd DetailsUpdate) (FlexibleWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return FlexibleWindow{}, notFoundError(id)
	}
	if upd.AccessInstructions != nil {
		w.AccessInstructions = *upd.AccessInstructions
	}
	if upd.Priority != nil {
		w.Priority = *upd.Priority
	}
	if upd.IsExpedited != nil {
		w.IsExpedited = *upd.IsExpedited
	}
	s.windows[id] = w
	return w, nil
}

func (s *fakeStore) ClaimIfUnclaimed(ctx context.Context, tx pgx.Tx, write ClaimWrite) (FlexibleWindow, error) {
	if s.beforeClaim != nil {
		s.beforeClaim(write.WindowID)
	}
	w, ok := s.claimLocked(write)
	if !ok {
		if s.afterClaimMiss != nil {
			s.afterClaimMiss(write.WindowID)
		}
		return FlexibleWindow{}, errStaleWrite
	}
	return w, nil
}

func (s *fakeStore) claimLocked(write ClaimWrite) (FlexibleWindow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[write.WindowID]
	if !ok || w.Claim != nil || w.Status != StatusPendingClaim || !w.Contains(write.ScheduledDate) {
		return FlexibleWindow{}, false
	}
	day := DateOf(write.ScheduledDate)
	w.Status = StatusClaimed
	w.Claim = &Claim{WorkerID: write.WorkerID, ClaimedAt: write.ClaimedAt}
	w.ScheduledDate = &day
	s.windows[w.ID] = w
	return w, true
}

func (s *fakeStore) ReleaseIfHeld(ctx context.Context, tx pgx.Tx, windowID, workerID string) (FlexibleWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[windowID]
	if !ok || w.Status != StatusClaimed || w.ClaimedBy() != workerID {
		return FlexibleWindow{}, errStaleWrite
	}
	w.Status = StatusPendingClaim
	w.Claim = nil
	w.ScheduledDate = nil
	s.windows[windowID] = w
	return w, nil
}

func (s *fakeStore) TransitionIfStatus(ctx context.Context, tx pgx.Tx, t Transition) (FlexibleWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[t.WindowID]
	if !ok {
		return FlexibleWindow{}, errStaleWrite
	}
	allowed := false
	for _, from := range t.From {
		if w.Status == from {
			allowed = true
		}
	}
	if !allowed || (t.RequireHolder != "" && w.ClaimedBy() != t.RequireHolder) {
		return FlexibleWindow{}, errStaleWrite
	}
	w.Status = t.To
	w.Claim = nil
	if t.To != StatusScheduled {
		w.ScheduledDate = nil
	}
	if t.AssignedWorkerID != nil {
		w.AssignedWorkerID = t.AssignedWorkerID
	}
	if t.CancelReason != nil {
		w.CancelReason = t.CancelReason
	}
	s.windows[t.WindowID] = w
	return w, nil
}

func (s *fakeStore) ExpireBefore(ctx context.Context, tx pgx.Tx, asOf time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, w := range s.windows {
		if w.Status == StatusPendingClaim && w.Claim == nil && DateOf(w.EndDate).Before(DateOf(asOf)) {
			w.Status = StatusExpired
			s.windows[id] = w
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeStore) ListByTerritory(ctx context.Context, q AvailableQuery) ([]FlexibleWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FlexibleWindow
	for _, w := range s.windows {
		if w.TerritoryID == q.TerritoryID && w.Status == StatusPendingClaim && w.Overlaps(q.From, q.To) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.FloatPriority {
			if out[i].IsExpedited != out[j].IsExpedited {
				return out[i].IsExpedited
			}
			if (out[i].Priority == PriorityHigh) != (out[j].Priority == PriorityHigh) {
				return out[i].Priority == PriorityHigh
			}
		}
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

func (s *fakeStore) ListClaimedBy(ctx context.Context, workerID string) ([]FlexibleWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FlexibleWindow
	for _, w := range s.windows {
		if w.Status == StatusClaimed && w.ClaimedBy() == workerID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledDate.Equal(*out[j].ScheduledDate) {
			return out[i].ScheduledDate.Before(*out[j].ScheduledDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type recordedEvent struct {
	windowID  string
	eventType string
	actorID   string
	payload   map[string]any
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
	topics []string
}

func (f *fakeEvents) Append(ctx context.Context, tx pgx.Tx, windowID, eventType, actorID string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{windowID: windowID, eventType: eventType, actorID: actorID, payload: payload})
	return nil
}

func (f *fakeEvents) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeEvents) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func mustDate(s string) time.Time {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func openWindow(id, territory, start, end string) FlexibleWindow {
	return FlexibleWindow{
		ID:                 id,
		ListingID:          "listing-" + id,
		TerritoryID:        territory,
		StartDate:          mustDate(start),
		EndDate:            mustDate(end),
		AccessInstructions: "Lockbox code 4321 on the side gate",
		IsVacant:           true,
		HasLockbox:         true,
		Status:             StatusPendingClaim,
		Priority:           PriorityNormal,
	}
}
