// Package parse implements the parse stage (spec §4.6.2): decompose an
// ingested mailbox archive into RFC 5322 messages, link them into threads,
// and publish one json.parsed event per newly inserted message. Control
// flow (retrieve, iterate, skip-duplicate, continue-on-per-item-error) is
// grounded on engine/ingest.StartConsumer's per-post loop; message parsing
// itself uses net/mail, the standard library's RFC 5322 reader — no
// library in the example pack addresses mail parsing, so this is the one
// place stdlib is the right tool rather than a fallback.
package parse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/worker"
)

// Service implements the parse stage's business method.
type Service struct {
	Store   store.DocumentStore
	Bus     bus.Bus
	Metrics *worker.Metrics
	Logger  *slog.Logger
}

// New builds a parse Service.
func New(s store.DocumentStore, b bus.Bus, m *worker.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: s, Bus: b, Metrics: m, Logger: logger}
}

// Process handles one archive.ingested event. It publishes json.parsed
// directly for each newly inserted message and always returns a nil
// Outcome, since a single input event fans out to N output events rather
// than the common one-in-one-out case.
func (s *Service) Process(ctx context.Context, env event.Envelope) (*worker.Outcome, error) {
	archiveID, _ := env.Data["archive_id"].(string)
	if archiveID == "" {
		return nil, errs.Permanent("parse", errors.New("missing archive_id"))
	}

	archive, err := s.Store.Get(ctx, store.CollectionArchives, archiveID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Permanent("parse", err)
		}
		return nil, errs.Transient("parse.get", err)
	}

	raw, _ := archive.Fields["data"].(string)
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, s.fail(ctx, archiveID, errs.Permanent("parse.decode", err))
	}

	for i, rawMsg := range splitMbox(data) {
		if err := s.processMessage(ctx, archiveID, rawMsg); err != nil {
			s.Metrics.Increment("parsing_failures_total", map[string]string{"archive_id": archiveID})
			s.Logger.Error("parse.message_failed", "archive_id", archiveID, "index", i, "error", err)
		}
	}

	completed := store.StatusCompleted
	if _, err := s.Store.Update(ctx, store.CollectionArchives, archiveID, store.Patch{Status: &completed}); err != nil {
		return nil, errs.Transient("parse.complete", err)
	}
	return nil, nil
}

// processMessage parses one RFC 5322 message, links it into its thread,
// inserts it (a no-op on duplicate Message-Id), updates the thread
// rollup, and publishes json.parsed.
func (s *Service) processMessage(ctx context.Context, archiveID string, raw []byte) error {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	messageID := normalizeMessageID(msg.Header.Get("Message-Id"))
	if messageID == "" {
		return errors.New("parse: missing Message-Id header")
	}
	key := store.MessageKey(archiveID, messageID)

	if _, err := s.Store.Get(ctx, store.CollectionMessages, key); err == nil {
		s.Metrics.Increment("messages_skipped_total", map[string]string{"reason": "duplicate"})
		return nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	inReplyTo := normalizeMessageID(msg.Header.Get("In-Reply-To"))
	references := splitReferences(msg.Header.Get("References"))
	rootID := messageID
	switch {
	case len(references) > 0:
		rootID = references[0]
	case inReplyTo != "":
		rootID = inReplyTo
	}
	threadKey := store.ThreadKey(store.MessageKey(archiveID, rootID))

	bodyBytes, _ := io.ReadAll(msg.Body)
	parsedDate, _ := msg.Header.Date()
	participants := uniqueAddresses(msg.Header.Get("From"), msg.Header.Get("To"), msg.Header.Get("Cc"))

	fields := map[string]any{
		"archive_id":   archiveID,
		"message_id":   messageID,
		"thread_id":    threadKey,
		"in_reply_to":  inReplyTo,
		"references":   references,
		"date":         parsedDate,
		"subject":      msg.Header.Get("Subject"),
		"participants": participants,
		"body":         normalizeBody(string(bodyBytes)),
	}
	if err := s.Store.Insert(ctx, store.CollectionMessages, key, fields); err != nil {
		return err
	}

	if err := s.upsertThread(ctx, threadKey, archiveID, participants); err != nil {
		return err
	}

	env := event.New(event.JSONParsed, map[string]any{
		"archive_id": archiveID,
		"message_id": key,
		"thread_id":  threadKey,
		"parsed_at":  time.Now().UTC(),
	})
	return s.Bus.Publish(ctx, bus.RoutingKeyFor(event.JSONParsed), env)
}

// upsertThread merges participants and bumps message_count on the owning
// thread, inserting it on first sight.
func (s *Service) upsertThread(ctx context.Context, threadKey, archiveID string, participants []string) error {
	existing, err := s.Store.Get(ctx, store.CollectionThreads, threadKey)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if existing == nil {
		return s.Store.Insert(ctx, store.CollectionThreads, threadKey, map[string]any{
			"archive_id":    archiveID,
			"participants":  participants,
			"message_count": 1,
		})
	}

	merged := mergeParticipants(existing.Fields["participants"], participants)
	count := 1
	if n, ok := existing.Fields["message_count"].(int); ok {
		count = n + 1
	} else if n, ok := existing.Fields["message_count"].(float64); ok {
		count = int(n) + 1
	}
	_, err = s.Store.Update(ctx, store.CollectionThreads, threadKey, store.Patch{
		Fields: map[string]any{"participants": merged, "message_count": count},
	})
	return err
}

func (s *Service) fail(ctx context.Context, archiveID string, cause error) error {
	failed := store.StatusFailed
	_, _ = s.Store.Update(ctx, store.CollectionArchives, archiveID, store.Patch{Status: &failed})
	env := event.New(event.ParsingFailed, map[string]any{
		"archive_id": archiveID,
		"error":      cause.Error(),
	})
	_ = s.Bus.Publish(ctx, bus.RoutingKeyFor(event.ParsingFailed), env)
	return cause
}

// splitMbox splits a concatenated mailbox on lines that start a new
// message ("From " at the start of a line, the classic mbox delimiter).
func splitMbox(data []byte) [][]byte {
	var messages [][]byte
	var current bytes.Buffer

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	started := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "From ") {
			if started && current.Len() > 0 {
				messages = append(messages, append([]byte(nil), current.Bytes()...))
				current.Reset()
			}
			started = true
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	if started && current.Len() > 0 {
		messages = append(messages, append([]byte(nil), current.Bytes()...))
	}
	if len(messages) == 0 && len(data) > 0 {
		// Not an mbox-delimited file: treat the whole archive as one message.
		messages = append(messages, data)
	}
	return messages
}

func normalizeMessageID(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "<>")
}

func splitReferences(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := normalizeMessageID(f); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func normalizeBody(body string) string {
	return strings.TrimSpace(body)
}

func uniqueAddresses(headers ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range headers {
		if h == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(h)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if !seen[a.Address] {
				seen[a.Address] = true
				out = append(out, a.Address)
			}
		}
	}
	return out
}

func mergeParticipants(existing any, incoming []string) []string {
	seen := make(map[string]bool)
	var out []string
	switch v := existing.(type) {
	case []string:
		for _, p := range v {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	case []any:
		for _, p := range v {
			if s, ok := p.(string); ok && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	for _, p := range incoming {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
