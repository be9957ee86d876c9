package dispensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const openSessionAttempts = 3

// ErrSessionContention is returned when GetOrCreateActive keeps losing the
// creation race and cannot read back the winner.
var ErrSessionContention = errors.New("active session contention")

// GetOrCreateActive returns the ACTIVE session, opening one stamped with actor
// and the current time if none exists. Concurrent callers converge on the
// single session the store's uniqueness constraint lets through.
func (s *Service) GetOrCreateActive(ctx context.Context, actor Actor) (*Session, error) {
	if err := s.authorizeStatic(actor, StagePreDispatch, ActionOpenSession); err != nil {
		s.observe(ctx, "session.open", actor, fields{}, false, err, 0)
		return nil, err
	}
	return s.getOrCreateActive(ctx, actor)
}

func (s *Service) getOrCreateActive(ctx context.Context, actor Actor) (*Session, error) {
	start := time.Now()
	for attempt := 0; attempt < openSessionAttempts; attempt++ {
		sess, err := s.store.ActiveSession(ctx)
		if err == nil {
			if today := s.today(); sess.Day != "" && sess.Day != today {
				s.logger.Warn().Str("session_id", sess.ID.String()).Str("session_day", sess.Day).
					Str("today", today).Msg("active session belongs to an earlier day")
			}
			return sess, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		now := s.clock.Now()
		sess = &Session{
			ID:        uuid.New(),
			Day:       now.In(s.loc).Format(time.DateOnly),
			Status:    SessionActive,
			StartedAt: now,
			StartedBy: actor.ID,
		}
		err = s.store.CreateSession(ctx, sess)
		if err == nil {
			s.observe(ctx, "session.open", actor, fields{session: &sess.ID}, false, nil, time.Since(start))
			s.publishSession(ctx, sess.ID)
			return sess, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
		// Another caller opened the session first; read it back.
	}
	err := fmt.Errorf("open session after %d attempts: %w", openSessionAttempts, ErrSessionContention)
	s.observe(ctx, "session.open", actor, fields{}, false, err, time.Since(start))
	return nil, err
}

// ActiveSession returns the current ACTIVE session without creating one.
func (s *Service) ActiveSession(ctx context.Context) (*Session, error) {
	return s.store.ActiveSession(ctx)
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.store.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	return s.store.ListSessions(ctx, limit, offset)
}

// CancelSession cancels an ACTIVE session. It fails with ErrCancellationBlocked
// once any patient's PRE_DISPATCH is COMPLETED. Cancelling an already
// cancelled session returns it unchanged.
func (s *Service) CancelSession(ctx context.Context, id uuid.UUID, actor Actor, note string) (*Session, error) {
	out, err := s.execute(ctx, CancelSession{SessionID: id, Note: note, Actor: actor})
	if err != nil {
		return nil, err
	}
	s.forgetSession(id)
	return out.Session, nil
}

// CompleteSession closes an ACTIVE session. Completing an already completed
// session returns it unchanged.
func (s *Service) CompleteSession(ctx context.Context, id uuid.UUID, actor Actor, note string) (*Session, error) {
	out, err := s.execute(ctx, CompleteSession{SessionID: id, Note: note, Actor: actor})
	if err != nil {
		return nil, err
	}
	s.forgetSession(id)
	return out.Session, nil
}

// forgetSession releases the board retained for an ended session. Subscribers
// already hold the final board.
func (s *Service) forgetSession(id uuid.UUID) {
	if f, ok := s.publisher.(TopicForgetter); ok {
		f.Forget(SessionTopic(id))
	}
}

func (s *Service) today() string {
	return s.clock.Now().In(s.loc).Format(time.DateOnly)
}

// resolveSession returns id, or the session a stage action on stage should
// run in when id is empty. Only PRE_DISPATCH may open a session implicitly.
func (s *Service) resolveSession(ctx context.Context, id uuid.UUID, stage Stage, actor Actor, action Action) (uuid.UUID, error) {
	if id != uuid.Nil {
		return id, nil
	}
	if stage != StagePreDispatch {
		sess, err := s.store.ActiveSession(ctx)
		if err != nil {
			return uuid.Nil, err
		}
		return sess.ID, nil
	}
	if err := s.authorizeStatic(actor, stage, action); err != nil {
		return uuid.Nil, err
	}
	sess, err := s.getOrCreateActive(ctx, actor)
	if err != nil {
		return uuid.Nil, err
	}
	return sess.ID, nil
}
