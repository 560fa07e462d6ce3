// Package couchdoc implements store.DocumentStore over CouchDB, using one
// database per collection and Mango queries for query(). Grounded on
// evalgo-org-eve/db's SaveDocument[T]/GetDocument[T] generics and its
// CouchDBError(IsNotFound) shape, adapted from per-struct-type documents to
// the pipeline's map[string]any field bag plus the mutable-field-merge
// insert contract (spec §4.2).
package couchdoc

import (
	"context"
	"fmt"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/store"
)

// mutableFields are the only keys Insert may update on an existing
// document (spec §4.2). Update sets these from its Patch and also writes
// any keys in Patch.Fields.
var mutableFields = map[string]bool{
	"status":            true,
	"attempt_count":     true,
	"last_attempt_time": true,
	"last_updated":      true,
}

// Store implements store.DocumentStore over CouchDB.
type Store struct {
	client *kivik.Client
	dbs    map[string]*kivik.DB
}

// New connects to the CouchDB server at url and ensures a database exists
// for each of the given collections.
func New(ctx context.Context, url string, collections []string) (*Store, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("couchdoc: connect: %w", err)
	}

	dbs := make(map[string]*kivik.DB, len(collections))
	for _, coll := range collections {
		exists, err := client.DBExists(ctx, coll)
		if err != nil {
			return nil, fmt.Errorf("couchdoc: check database %s: %w", coll, err)
		}
		if !exists {
			if err := client.CreateDB(ctx, coll); err != nil {
				return nil, fmt.Errorf("couchdoc: create database %s: %w", coll, err)
			}
		}
		dbs[coll] = client.DB(coll)
	}

	return &Store{client: client, dbs: dbs}, nil
}

func (s *Store) db(collection string) (*kivik.DB, error) {
	db, ok := s.dbs[collection]
	if !ok {
		return nil, fmt.Errorf("couchdoc: unknown collection %q", collection)
	}
	return db, nil
}

// rawDoc is the on-the-wire CouchDB document shape: CouchDB's own _id/_rev
// bookkeeping fields plus the pipeline's own status/attempt tracking, with
// everything else flattened alongside them.
type rawDoc map[string]any

func toDocument(key string, raw rawDoc) store.Document {
	doc := store.Document{Key: key, Fields: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "_id", "_rev":
			continue
		case "status":
			if s, ok := v.(string); ok {
				doc.Status = store.Status(s)
			}
		case "attempt_count":
			doc.AttemptCount = toInt(v)
		case "last_attempt_time":
			doc.LastAttemptTime = toTime(v)
		case "last_updated":
			doc.LastUpdated = toTime(v)
		default:
			doc.Fields[k] = v
		}
	}
	return doc
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// getRaw fetches the raw document and its revision, or errs.ErrNotFound.
func getRaw(ctx context.Context, db *kivik.DB, key string) (rawDoc, string, error) {
	row := db.Get(ctx, key)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return nil, "", errs.ErrNotFound
		}
		return nil, "", errs.Transient("couchdoc.get", row.Err())
	}
	var raw rawDoc
	if err := row.ScanDoc(&raw); err != nil {
		return nil, "", errs.Permanent("couchdoc.scan", err)
	}
	rev, _ := raw["_rev"].(string)
	return raw, rev, nil
}

// Insert computes the primary key's document if absent, or merges only the
// mutable status/attempt_count/last_updated fields into an existing one
// (spec §4.2's idempotency contract: other fields are immutable).
func (s *Store) Insert(ctx context.Context, collection, key string, fields map[string]any) error {
	db, err := s.db(collection)
	if err != nil {
		return errs.Permanent("couchdoc.insert", err)
	}

	existing, rev, err := getRaw(ctx, db, key)
	now := time.Now().UTC().Format(time.RFC3339)

	if err == errs.ErrNotFound {
		doc := rawDoc{"_id": key, "last_updated": now}
		for k, v := range fields {
			doc[k] = v
		}
		if _, ok := doc["status"]; !ok {
			doc["status"] = string(store.StatusPending)
		}
		if _, ok := doc["attempt_count"]; !ok {
			doc["attempt_count"] = 0
		}
		if _, err := db.Put(ctx, key, doc); err != nil {
			return errs.Transient("couchdoc.insert", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	for k, v := range fields {
		if mutableFields[k] {
			existing[k] = v
		}
	}
	existing["last_updated"] = now
	existing["_rev"] = rev
	if _, err := db.Put(ctx, key, existing); err != nil {
		return errs.Transient("couchdoc.insert", err)
	}
	return nil
}

// Get returns the document at key, or errs.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, key string) (*store.Document, error) {
	db, err := s.db(collection)
	if err != nil {
		return nil, errs.Permanent("couchdoc.get", err)
	}
	raw, _, err := getRaw(ctx, db, key)
	if err != nil {
		return nil, err
	}
	doc := toDocument(key, raw)
	return &doc, nil
}

// Query runs a Mango selector built from filter (equality, $in, $lt/$gt),
// the only operators spec §4.2 requires.
func (s *Store) Query(ctx context.Context, collection string, filter store.Filter, limit int) ([]store.Document, error) {
	db, err := s.db(collection)
	if err != nil {
		return nil, errs.Permanent("couchdoc.query", err)
	}

	selector := map[string]any{}
	for field, v := range filter.Equals {
		selector[field] = v
	}
	for field, vals := range filter.In {
		selector[field] = map[string]any{"$in": vals}
	}
	for field, t := range filter.Lt {
		selector[field] = map[string]any{"$lt": t.Format(time.RFC3339)}
	}
	for field, t := range filter.Gt {
		selector[field] = map[string]any{"$gt": t.Format(time.RFC3339)}
	}

	findOpts := map[string]any{"selector": selector}
	if limit > 0 {
		findOpts["limit"] = limit
	}

	rows := db.Find(ctx, findOpts)
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var raw rawDoc
		if err := rows.ScanDoc(&raw); err != nil {
			return nil, errs.Permanent("couchdoc.query", err)
		}
		key, _ := raw["_id"].(string)
		docs = append(docs, toDocument(key, raw))
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient("couchdoc.query", err)
	}
	return docs, nil
}

// Update applies patch's mutable fields to the document at key, always
// advancing last_updated. Returns false if no document exists at key.
func (s *Store) Update(ctx context.Context, collection, key string, patch store.Patch) (bool, error) {
	db, err := s.db(collection)
	if err != nil {
		return false, errs.Permanent("couchdoc.update", err)
	}

	existing, rev, err := getRaw(ctx, db, key)
	if err == errs.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if patch.Status != nil {
		existing["status"] = string(*patch.Status)
	}
	if patch.AttemptCount != nil {
		existing["attempt_count"] = *patch.AttemptCount
	}
	if patch.LastAttemptTime != nil {
		existing["last_attempt_time"] = patch.LastAttemptTime.UTC().Format(time.RFC3339)
	}
	for k, v := range patch.Fields {
		existing[k] = v
	}
	existing["last_updated"] = time.Now().UTC().Format(time.RFC3339)
	existing["_rev"] = rev

	if _, err := db.Put(ctx, key, existing); err != nil {
		return false, errs.Transient("couchdoc.update", err)
	}
	return true, nil
}

// Delete removes the document at key. Used only by explicit retention
// jobs, never on the pipeline path (spec §4.2).
func (s *Store) Delete(ctx context.Context, collection, key string) (bool, error) {
	db, err := s.db(collection)
	if err != nil {
		return false, errs.Permanent("couchdoc.delete", err)
	}

	_, rev, err := getRaw(ctx, db, key)
	if err == errs.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := db.Delete(ctx, key, rev); err != nil {
		return false, errs.Transient("couchdoc.delete", err)
	}
	return true, nil
}

var _ store.DocumentStore = (*Store)(nil)
