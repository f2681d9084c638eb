package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/dropin/internal/platform/firestore"
	"github.com/hanko-field/dropin/internal/repositories"
)

const sessionCollection = "dropinSessions"

type sessionDocument struct {
	MerchantID string     `firestore:"merchantId"`
	Version    int64      `firestore:"version"`
	Phase      string     `firestore:"phase"`
	Terminal   bool       `firestore:"terminal"`
	State      []byte     `firestore:"state"`
	UpdatedAt  time.Time  `firestore:"updatedAt"`
	ExpiresAt  *time.Time `firestore:"expiresAt,omitempty"`
}

// SessionRepository persists session state in Firestore with optimistic version checks.
type SessionRepository struct {
	base *pfirestore.BaseRepository[sessionDocument]
}

var _ repositories.SessionStateRepository = (*SessionRepository)(nil)

// NewSessionRepository constructs a Firestore-backed session repository.
func NewSessionRepository(provider *pfirestore.Provider) (*SessionRepository, error) {
	if provider == nil {
		return nil, errors.New("session repository requires firestore provider")
	}
	return &SessionRepository{base: pfirestore.NewBaseRepository[sessionDocument](provider, sessionCollection)}, nil
}

func (r *SessionRepository) Save(ctx context.Context, record repositories.SessionRecord) error {
	if r == nil || r.base == nil {
		return errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(record.SessionID)
	doc := newSessionDocument(record)

	err := r.base.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var stored sessionDocument
			if err := snap.DataTo(&stored); err != nil {
				return fmt.Errorf("decode session %s: %w", id, err)
			}
			if stored.Version > doc.Version {
				return repositories.NewConflictError("sessions.save", fmt.Errorf("stored version %d is newer than %d", stored.Version, doc.Version))
			}
		case status.Code(err) != codes.NotFound:
			return err
		}
		return tx.Set(ref, doc)
	})
	return pfirestore.WrapError("sessions.save", err)
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (repositories.SessionRecord, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return repositories.SessionRecord{}, err
	}
	return doc.Data.toRecord(doc.ID), nil
}

func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	return r.base.Delete(ctx, strings.TrimSpace(sessionID))
}

func (r *SessionRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return r.base.ListIDs(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("expiresAt", "<", before.UTC()).OrderBy("expiresAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
}

func newSessionDocument(record repositories.SessionRecord) sessionDocument {
	doc := sessionDocument{
		MerchantID: record.MerchantID,
		Version:    record.Version,
		Phase:      record.Phase,
		Terminal:   record.Terminal,
		State:      record.State,
		UpdatedAt:  record.UpdatedAt.UTC(),
	}
	if !record.ExpiresAt.IsZero() {
		expires := record.ExpiresAt.UTC()
		doc.ExpiresAt = &expires
	}
	return doc
}

func (d sessionDocument) toRecord(id string) repositories.SessionRecord {
	record := repositories.SessionRecord{
		SessionID:  id,
		MerchantID: d.MerchantID,
		Version:    d.Version,
		Phase:      d.Phase,
		Terminal:   d.Terminal,
		State:      d.State,
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
	if d.ExpiresAt != nil {
		record.ExpiresAt = d.ExpiresAt.UTC()
	}
	return record
}
