// Package graphdoc implements store.DocumentStore over Neo4j, an
// alternate document-store driver for deployments that want archive/
// message/thread relationships expressed as graph edges instead of
// CouchDB joins. Adapted from the reference repo's pkg/repo.Neo4jRepo
// session/runner injection pattern and engine/graph.GraphStore's Cypher
// idioms (MERGE for idempotent upsert, SET n += for partial update).
package graphdoc

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/store"
)

// result is the minimal interface needed from a neo4j result, matching
// pkg/repo.Neo4jRepo's testing seam.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

type sessionAdapter struct{ sess neo4j.SessionWithContext }

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}
func (a *sessionAdapter) Close(ctx context.Context) error { return a.sess.Close(ctx) }

// Store implements store.DocumentStore over Neo4j. Every document is a
// single (:Doc {collection, key, ...fields}) node; collection plus key is
// the uniqueness constraint.
type Store struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) runner // for testing
}

// New wraps an already-connected Neo4j driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

func (s *Store) session(ctx context.Context) runner {
	if s.newSession != nil {
		return s.newSession(ctx)
	}
	return &sessionAdapter{sess: s.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

// EnsureConstraints creates the uniqueness constraint on (collection, key)
// pairs. Call once at startup.
func (s *Store) EnsureConstraints(ctx context.Context) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx,
		"CREATE CONSTRAINT doc_collection_key IF NOT EXISTS FOR (n:Doc) REQUIRE (n.collection, n.key) IS UNIQUE",
		nil)
	if err != nil {
		return errs.Permanent("graphdoc.ensure_constraints", err)
	}
	return nil
}

func recordToRaw(rec *neo4j.Record) (map[string]any, error) {
	v, ok := rec.Get("n")
	if !ok {
		return nil, fmt.Errorf("graphdoc: record missing node")
	}
	node, ok := v.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("graphdoc: unexpected node type %T", v)
	}
	return node.Props, nil
}

func toDocument(raw map[string]any) store.Document {
	doc := store.Document{Fields: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "collection":
			continue
		case "key":
			if s, ok := v.(string); ok {
				doc.Key = s
			}
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
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

var mutableFields = map[string]bool{
	"status":            true,
	"attempt_count":     true,
	"last_attempt_time": true,
	"last_updated":      true,
}

// Insert creates the (collection, key) node if absent; if present, merges
// only status/attempt_count/last_updated into it — every other field stays
// immutable (spec §4.2).
func (s *Store) Insert(ctx context.Context, collection, key string, fields map[string]any) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	existing, err := s.Get(ctx, collection, key)
	now := time.Now().UTC().Format(time.RFC3339)

	if err == errs.ErrNotFound {
		props := map[string]any{"collection": collection, "key": key, "last_updated": now}
		for k, v := range fields {
			props[k] = v
		}
		if _, ok := props["status"]; !ok {
			props["status"] = string(store.StatusPending)
		}
		if _, ok := props["attempt_count"]; !ok {
			props["attempt_count"] = 0
		}
		res, err := sess.Run(ctx, "CREATE (n:Doc $props) RETURN n", map[string]any{"props": props})
		if err != nil {
			return errs.Transient("graphdoc.insert", err)
		}
		if !res.Next(ctx) {
			return errs.Transient("graphdoc.insert", fmt.Errorf("create returned no row"))
		}
		return nil
	}
	if err != nil {
		return err
	}

	mergeProps := map[string]any{"last_updated": now}
	for k, v := range fields {
		if mutableFields[k] {
			mergeProps[k] = v
		}
	}
	_ = existing
	res, err := sess.Run(ctx,
		"MATCH (n:Doc {collection: $collection, key: $key}) SET n += $props RETURN n",
		map[string]any{"collection": collection, "key": key, "props": mergeProps})
	if err != nil {
		return errs.Transient("graphdoc.insert", err)
	}
	if !res.Next(ctx) {
		return errs.Transient("graphdoc.insert", fmt.Errorf("update returned no row"))
	}
	return nil
}

// Get returns the document at key, or errs.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, key string) (*store.Document, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		"MATCH (n:Doc {collection: $collection, key: $key}) RETURN n",
		map[string]any{"collection": collection, "key": key})
	if err != nil {
		return nil, errs.Transient("graphdoc.get", err)
	}
	if !res.Next(ctx) {
		return nil, errs.ErrNotFound
	}
	raw, err := recordToRaw(res.Record())
	if err != nil {
		return nil, errs.Permanent("graphdoc.get", err)
	}
	doc := toDocument(raw)
	return &doc, nil
}

// Query supports equality, $in, and $lt/$gt on timestamps by composing a
// WHERE clause over n's properties, the same operator set couchdoc's Mango
// selector covers (spec §4.2).
func (s *Store) Query(ctx context.Context, collection string, filter store.Filter, limit int) ([]store.Document, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	clauses := []string{"n.collection = $collection"}
	params := map[string]any{"collection": collection}

	i := 0
	for field, v := range filter.Equals {
		p := fmt.Sprintf("eq%d", i)
		clauses = append(clauses, fmt.Sprintf("n.%s = $%s", field, p))
		params[p] = v
		i++
	}
	for field, vals := range filter.In {
		p := fmt.Sprintf("in%d", i)
		clauses = append(clauses, fmt.Sprintf("n.%s IN $%s", field, p))
		params[p] = vals
		i++
	}
	for field, t := range filter.Lt {
		p := fmt.Sprintf("lt%d", i)
		clauses = append(clauses, fmt.Sprintf("n.%s < $%s", field, p))
		params[p] = t.Format(time.RFC3339)
		i++
	}
	for field, t := range filter.Gt {
		p := fmt.Sprintf("gt%d", i)
		clauses = append(clauses, fmt.Sprintf("n.%s > $%s", field, p))
		params[p] = t.Format(time.RFC3339)
		i++
	}

	cypher := "MATCH (n:Doc) WHERE "
	for idx, c := range clauses {
		if idx > 0 {
			cypher += " AND "
		}
		cypher += c
	}
	cypher += " RETURN n"
	if limit > 0 {
		cypher += fmt.Sprintf(" LIMIT %d", limit)
	}

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, errs.Transient("graphdoc.query", err)
	}

	var docs []store.Document
	for res.Next(ctx) {
		raw, err := recordToRaw(res.Record())
		if err != nil {
			return nil, errs.Permanent("graphdoc.query", err)
		}
		docs = append(docs, toDocument(raw))
	}
	return docs, nil
}

// Update applies patch's mutable fields to the document at key, always
// advancing last_updated. Returns false if no document exists at key.
func (s *Store) Update(ctx context.Context, collection, key string, patch store.Patch) (bool, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	props := map[string]any{"last_updated": time.Now().UTC().Format(time.RFC3339)}
	if patch.Status != nil {
		props["status"] = string(*patch.Status)
	}
	if patch.AttemptCount != nil {
		props["attempt_count"] = *patch.AttemptCount
	}
	if patch.LastAttemptTime != nil {
		props["last_attempt_time"] = patch.LastAttemptTime.UTC().Format(time.RFC3339)
	}
	for k, v := range patch.Fields {
		props[k] = v
	}

	res, err := sess.Run(ctx,
		"MATCH (n:Doc {collection: $collection, key: $key}) SET n += $props RETURN n",
		map[string]any{"collection": collection, "key": key, "props": props})
	if err != nil {
		return false, errs.Transient("graphdoc.update", err)
	}
	return res.Next(ctx), nil
}

// Delete removes the document at key. Used only by explicit retention
// jobs, never on the pipeline path (spec §4.2).
func (s *Store) Delete(ctx context.Context, collection, key string) (bool, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		"MATCH (n:Doc {collection: $collection, key: $key}) DELETE n RETURN 1 AS deleted",
		map[string]any{"collection": collection, "key": key})
	if err != nil {
		return false, errs.Transient("graphdoc.delete", err)
	}
	return res.Next(ctx), nil
}

var _ store.DocumentStore = (*Store)(nil)
