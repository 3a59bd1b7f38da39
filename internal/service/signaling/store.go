package signaling

import (
	"fmt"
	"sync"
	"time"

	"callrelay-backend/internal/domain"
)

// legalTransitions is the call state machine. ENDED is terminal.
var legalTransitions = map[domain.CallState][]domain.CallState{
	domain.CallStateRinging: {domain.CallStateActive, domain.CallStateEnded},
	domain.CallStateActive:  {domain.CallStateEnded},
}

// TransitionMeta carries the data and optional guards of a state change.
type TransitionMeta struct {
	At time.Time
	// Reason is required when moving to ENDED.
	Reason domain.EndedReason
	// Expect, when set, must equal the current state.
	Expect domain.CallState
	// Seq, when non-zero, must equal the record's Seq.
	Seq uint64
}

// Store is the in-memory call state store. It owns every live CallRecord
// and enforces that a participant takes part in at most one live call.
type Store struct {
	mu    sync.Mutex
	calls map[domain.CallID]*domain.CallRecord
	// busy maps a participant to its single live call
	busy map[domain.ParticipantID]domain.CallID
	seq  uint64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		calls: make(map[domain.CallID]*domain.CallRecord),
		busy:  make(map[domain.ParticipantID]domain.CallID),
	}
}

// Create inserts a RINGING record. It fails with *ConflictError when the
// pair already has a live call or either party is busy in another call.
func (s *Store) Create(id domain.CallID, caller, callee domain.ParticipantID, kind domain.MediaKind, at time.Time) (domain.CallRecord, error) {
	if caller == callee {
		return domain.CallRecord{}, fmt.Errorf("caller and callee are both %s", caller)
	}
	if id != domain.NewCallID(caller, callee) {
		return domain.CallRecord{}, fmt.Errorf("call id %s does not match participants %s and %s", id, caller, callee)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.calls[id]; ok && existing.IsLive() {
		return domain.CallRecord{}, &ConflictError{CallID: id, Existing: id, Participant: caller}
	}
	for _, p := range []domain.ParticipantID{caller, callee} {
		if other, ok := s.busy[p]; ok {
			return domain.CallRecord{}, &ConflictError{CallID: id, Existing: other, Participant: p}
		}
	}

	s.seq++
	rec := &domain.CallRecord{
		ID:        id,
		Seq:       s.seq,
		Caller:    caller,
		Callee:    callee,
		MediaKind: kind,
		State:     domain.CallStateRinging,
		StartedAt: at,
	}
	s.calls[id] = rec
	s.busy[caller] = id
	s.busy[callee] = id

	return *rec, nil
}

// Get returns a copy of the record for id
func (s *Store) Get(id domain.CallID) (domain.CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[id]
	if !ok {
		return domain.CallRecord{}, false
	}
	return *rec, true
}

// LiveCallFor returns the live call participant p takes part in, if any.
func (s *Store) LiveCallFor(p domain.ParticipantID) (domain.CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.busy[p]
	if !ok {
		return domain.CallRecord{}, false
	}
	rec, ok := s.calls[id]
	if !ok {
		return domain.CallRecord{}, false
	}
	return *rec, true
}

// Transition atomically moves a record to state to. The returned record is
// a copy taken after the change.
func (s *Store) Transition(id domain.CallID, to domain.CallState, meta TransitionMeta) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[id]
	if !ok {
		return domain.CallRecord{}, fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	if meta.Seq != 0 && rec.Seq != meta.Seq {
		return domain.CallRecord{}, fmt.Errorf("%w: %s was replaced", ErrCallNotFound, id)
	}
	if meta.Expect != "" && rec.State != meta.Expect {
		return *rec, &InvalidTransitionError{
			CallID: id,
			From:   rec.State,
			To:     to,
			Detail: fmt.Sprintf("expected state %s", meta.Expect),
		}
	}
	if !isLegal(rec.State, to) {
		return *rec, &InvalidTransitionError{CallID: id, From: rec.State, To: to}
	}

	switch to {
	case domain.CallStateActive:
		at := meta.At
		rec.AnsweredAt = &at
	case domain.CallStateEnded:
		if meta.Reason == "" {
			return *rec, &InvalidTransitionError{CallID: id, From: rec.State, To: to, Detail: "missing ended reason"}
		}
		at := meta.At
		rec.EndedAt = &at
		rec.EndedReason = meta.Reason
		s.releaseLocked(rec)
	}
	rec.State = to

	return *rec, nil
}

// Evict removes the record for id. Evicting an absent id is a no-op.
func (s *Store) Evict(id domain.CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[id]
	if !ok {
		return
	}
	s.releaseLocked(rec)
	delete(s.calls, id)
}

// Len returns the number of records held, ended or not
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// LiveCalls returns copies of all records that have not ended
func (s *Store) LiveCalls() []domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.CallRecord, 0, len(s.calls))
	for _, rec := range s.calls {
		if rec.IsLive() {
			out = append(out, *rec)
		}
	}
	return out
}

func (s *Store) releaseLocked(rec *domain.CallRecord) {
	for _, p := range []domain.ParticipantID{rec.Caller, rec.Callee} {
		if s.busy[p] == rec.ID {
			delete(s.busy, p)
		}
	}
}

func isLegal(from, to domain.CallState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
