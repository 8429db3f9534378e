// Package session tracks cash drawer sessions: one open at a time,
// closed against an expected amount derived from the cash taken since
// opening.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/audit"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrSessionOpen   = errors.New("session_already_open")
	ErrNoOpenSession = errors.New("no_open_session")
)

type Session struct {
	ID             ident.RecordID
	Status         string
	OpeningAmount  decimal.Decimal
	ClosingAmount  decimal.Decimal
	ExpectedAmount decimal.Decimal
	OpenedAt       time.Time
}

type Params struct {
	fx.In

	Store *store.Store
	Log   *zap.Logger
	Clock clock.Clock
	Audit *audit.Writer `optional:"true"`
}

type Service struct {
	store *store.Store
	log   *zap.Logger
	clock clock.Clock
	audit *audit.Writer
}

func New(p Params) *Service {
	return &Service{store: p.Store, log: p.Log.Named("session"), clock: p.Clock, audit: p.Audit}
}

// Open starts a new drawer session; rejected while another one is open.
func (s *Service) Open(ctx context.Context, userID ident.RecordID, openingAmount decimal.Decimal) (Session, error) {
	var out Session
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		open, err := tx.Query(ctx, "day_sessions", store.Q().Eq("status", "open").Limit(1))
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return ErrSessionOpen
		}

		now := s.clock.Now()
		rec := record.Record{
			"opening_amount":  openingAmount,
			"closing_amount":  decimal.Zero,
			"expected_amount": openingAmount,
			"status":          "open",
			"opened_at":       now.UnixMilli(),
		}
		if !userID.IsZero() {
			rec["opened_by"] = userID.Ref()
		}
		id, err := tx.Insert(ctx, "day_sessions", rec)
		if err != nil {
			return err
		}
		out = Session{ID: id, Status: "open", OpeningAmount: openingAmount, ExpectedAmount: openingAmount, OpenedAt: now}
		return nil
	})
	if err == nil && s.audit != nil {
		s.audit.Log(ctx, userID.String(), "session.open", "day_session", out.ID.String(), nil)
	}
	return out, err
}

// Current returns the open session.
func (s *Service) Current(ctx context.Context) (Session, error) {
	recs, err := s.store.Query(ctx, "day_sessions", store.Q().Eq("status", "open").Limit(1))
	if err != nil {
		return Session{}, err
	}
	if len(recs) == 0 {
		return Session{}, ErrNoOpenSession
	}
	id, _ := ident.Parse(recs[0]["id"])
	return decodeSession(id, recs[0]), nil
}

// Close settles the open session. Expected cash is the opening float
// plus cash payments received in the window; the counted amount is
// recorded as-is and any difference is the operator's to explain.
func (s *Service) Close(ctx context.Context, userID ident.RecordID, countedAmount decimal.Decimal) (Session, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return Session{}, err
	}

	expected, err := s.expectedCash(ctx, current)
	if err != nil {
		return Session{}, err
	}

	now := s.clock.Now()
	values := record.Record{
		"closing_amount":  countedAmount,
		"expected_amount": expected,
		"status":          "closed",
		"closed_at":       now.UnixMilli(),
	}
	if !userID.IsZero() {
		values["closed_by"] = userID.Ref()
	}
	n, err := s.store.Update(ctx, "day_sessions", values,
		store.Q().ByID(current.ID).Eq("status", "open"))
	if err != nil {
		return Session{}, err
	}
	if n == 0 {
		return Session{}, ErrNoOpenSession
	}

	if s.audit != nil {
		diff := countedAmount.Sub(expected)
		s.audit.Log(ctx, userID.String(), "session.close", "day_session", current.ID.String(),
			map[string]any{"expected": expected.String(), "counted": countedAmount.String(), "difference": diff.String()})
	}

	rec, err := s.store.Get(ctx, "day_sessions", current.ID)
	if err != nil {
		return Session{}, err
	}
	return decodeSession(current.ID, rec), nil
}

// expectedCash sums cash payments recorded since the session opened.
// The portable predicate set has no range operator, so the window filter
// happens in memory.
func (s *Service) expectedCash(ctx context.Context, current Session) (decimal.Decimal, error) {
	payments, err := s.store.Query(ctx, "payments", store.Q().Eq("method", "cash"))
	if err != nil {
		return decimal.Zero, err
	}
	openedAt := current.OpenedAt.UnixMilli()
	expected := current.OpeningAmount
	for _, p := range payments {
		if p.Int64("created_at") >= openedAt {
			expected = expected.Add(p.Decimal("amount"))
		}
	}
	return expected, nil
}

func decodeSession(id ident.RecordID, rec record.Record) Session {
	return Session{
		ID:             id,
		Status:         rec.String("status"),
		OpeningAmount:  rec.Decimal("opening_amount"),
		ClosingAmount:  rec.Decimal("closing_amount"),
		ExpectedAmount: rec.Decimal("expected_amount"),
		OpenedAt:       rec.Time("opened_at"),
	}
}

var Module = fx.Module("session",
	fx.Provide(New),
)
