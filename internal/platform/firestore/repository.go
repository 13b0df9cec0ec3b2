package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decoder hydrates a typed document from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection offers typed read helpers over one collection path. Writes go through transactions in the
// concrete repositories, which use DocumentRef to address documents.
type Collection[T any] struct {
	provider *Provider
	path     string
	decode   Decoder[T]
}

// NewCollection binds typed helpers to a collection path. A nil decoder uses DataTo.
func NewCollection[T any](provider *Provider, path string, decode Decoder[T]) *Collection[T] {
	if decode == nil {
		decode = func(snap *firestore.DocumentSnapshot) (T, error) {
			var target T
			err := snap.DataTo(&target)
			return target, err
		}
	}
	return &Collection[T]{provider: provider, path: strings.Trim(strings.TrimSpace(path), "/"), decode: decode}
}

// Get fetches and decodes the document with the given id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	ref, err := c.DocumentRef(ctx, id)
	if err != nil {
		return zero, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	value, err := c.decode(snap)
	if err != nil {
		return zero, fmt.Errorf("%s: decode %s: %w", c.op("get"), id, err)
	}
	return value, nil
}

// Query runs a query over the collection and decodes every result.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]T, error) {
	coll, err := c.provider.Collection(ctx, c.path)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		value, err := c.decode(snap)
		if err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", c.op("query"), snap.Ref.ID, err)
		}
		out = append(out, value)
	}
}

// DocumentRef addresses a document for use inside transactions.
func (c *Collection[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError("firestore.document", errors.New("firestore: provider is nil"))
	}
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := c.provider.Collection(ctx, c.path)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) op(action string) string {
	name := "firestore"
	if c != nil && c.path != "" {
		name = c.path
	}
	return name + "." + action
}
