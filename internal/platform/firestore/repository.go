package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/hanko-field/dropin/internal/repositories"
)

// Document is a decoded snapshot of T.
type Document[T any] struct {
	ID   string
	Data T
}

// QueryBuilder narrows a collection query.
type QueryBuilder func(query firestore.Query) firestore.Query

// BaseRepository gives typed access to one collection. Values are encoded with Firestore's struct
// tags, so T must carry `firestore:"..."` tags.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
}

func NewBaseRepository[T any](provider *Provider, collection string) *BaseRepository[T] {
	return &BaseRepository[T]{provider: provider, collection: strings.TrimSpace(collection)}
}

func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, value)
	return WrapError(r.op("set"), err)
}

// Get returns a not-found StoreError when the document does not exist.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	var value T
	if err := snapshot.DataTo(&value); err != nil {
		return Document[T]{}, WrapError(r.op("decode"), err)
	}
	return Document[T]{ID: snapshot.Ref.ID, Data: value}, nil
}

// Delete is idempotent.
func (r *BaseRepository[T]) Delete(ctx context.Context, id string) error {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	if err = WrapError(r.op("delete"), err); repositories.IsNotFound(err) {
		return nil
	}
	return err
}

// ListIDs runs a projection-free query and returns matching document ids only.
func (r *BaseRepository[T]) ListIDs(ctx context.Context, build QueryBuilder) ([]string, error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Select()
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return ids, nil
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		ids = append(ids, snapshot.Ref.ID)
	}
}

func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("document id is required"))
	}
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (r *BaseRepository[T]) RunTransaction(ctx context.Context, fn TxFunc) error {
	if r.provider == nil {
		return WrapError(r.op("transaction"), errors.New("provider is nil"))
	}
	return r.provider.RunTransaction(ctx, fn)
}

func (r *BaseRepository[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	if r.provider == nil || r.collection == "" {
		return nil, WrapError(r.op("collection"), errors.New("repository is not bound to a collection"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) op(action string) string {
	return r.collection + "." + action
}
