package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/metrics"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/provider"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/retention"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/store"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/textutil"
)

const kgSystemPrompt = `You extract a small knowledge graph from a memory note.
Respond with JSON only, no prose, in exactly this shape:
{"entities":[{"name":"...","type":"...","aliases":["..."]}],"relations":[{"subject":"...","predicate":"...","object":"...","confidence":0.0}]}
Rules: entity types are short lowercase nouns (person, place, preference, thing, event).
Relation subjects and objects must reference entity names from the same response when they denote entities; otherwise the object is a literal value.
Confidence is in [0,1]. Extract only what the text states. Empty lists are valid.`

// KgIndexer runs model-backed entity and relation extraction over stale
// records. Failures are stamped per record and not retried until the
// record's content changes.
type KgIndexer struct {
	store     *store.Store
	completer provider.Completer
}

// NewKgIndexer wires the indexer to the store. Pass a non-nil completer to
// override the configured provider (tests use a canned one).
func NewKgIndexer(st *store.Store, completer provider.Completer) *KgIndexer {
	return &KgIndexer{store: st, completer: completer}
}

func (ix *KgIndexer) resolveCompleter() (provider.Completer, error) {
	if ix.completer != nil {
		return ix.completer, nil
	}
	c, err := provider.NewCompleter(ix.store.Config())
	if err != nil {
		return nil, err
	}
	ix.completer = c
	return c, nil
}

// Sweep extracts one batch of stale records.
func (ix *KgIndexer) Sweep(ctx context.Context) (Summary, error) {
	cfg := ix.store.Config()
	var summary Summary
	if !cfg.KgEnabled {
		return summary, nil
	}
	completer, err := ix.resolveCompleter()
	if err != nil {
		summary.ConfigError = err.Error()
		return summary, nil
	}
	if completer == nil {
		return summary, nil
	}

	records, err := ix.store.KgIndexCandidates(ctx, cfg.KgIncludeChat, cfg.KgBatchSize)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(records)

	for i := range records {
		rec := &records[i]
		content := clipRunes(rec.Content, cfg.KgContentClip)
		// The persona and kind shape the extraction context, so they are
		// part of the staleness fingerprint: re-ingesting a turn under a
		// different persona re-extracts even though the text is unchanged.
		hash := textutil.HashContent(personaOf(rec), string(rec.Kind), content)

		idx, err := ix.store.GetKgIndex(ctx, rec.ID)
		if err != nil {
			summary.Failed++
			continue
		}
		if idx != nil && idx.ContentHash == hash {
			// Same content as the last attempt: refresh the stamp so the
			// backlog scan stops reselecting it. Errored records stay
			// errored until an edit changes the hash.
			if err := ix.store.MarkKgIndexed(ctx, rec.ID, hash, idx.Status, idx.LastError); err != nil {
				summary.Failed++
				continue
			}
			summary.Skipped++
			continue
		}

		extraction, err := ix.extract(ctx, completer, rec, content)
		if err != nil {
			log.Error("Graph extraction failed", "record", rec.ID, "err", err)
			if markErr := ix.store.MarkKgIndexed(ctx, rec.ID, hash, "error", err.Error()); markErr != nil {
				log.Error("Marking extraction failure failed", "record", rec.ID, "err", markErr)
			}
			summary.Failed++
			continue
		}
		if err := ix.store.ApplyKgExtraction(ctx, rec, extraction, hash); err != nil {
			summary.Failed++
			continue
		}
		summary.Updated++
	}
	metrics.ObserveSweep("kg", summary.Updated, summary.Skipped, summary.Failed)
	return summary, nil
}

type kgPayload struct {
	Entities []struct {
		Name    string   `json:"name"`
		Type    string   `json:"type"`
		Aliases []string `json:"aliases"`
	} `json:"entities"`
	Relations []struct {
		Subject    string  `json:"subject"`
		Predicate  string  `json:"predicate"`
		Object     string  `json:"object"`
		Confidence float64 `json:"confidence"`
	} `json:"relations"`
}

// kgUserMessage frames the note for the extractor: who said it, under which
// persona, as what kind of record, and when. The model needs the framing to
// attribute entities correctly.
func kgUserMessage(rec *model.MemoryRecord, content string) string {
	return fmt.Sprintf("persona: %s\nkind: %s\nrole: %s\ncreatedAt: %s\ncontent: %s",
		personaOf(rec), rec.Kind, rec.Role, rec.CreatedAt.Format(time.RFC3339), content)
}

func personaOf(rec *model.MemoryRecord) string {
	if rec.PersonaID == nil {
		return ""
	}
	return *rec.PersonaID
}

func (ix *KgIndexer) extract(ctx context.Context, completer provider.Completer, rec *model.MemoryRecord, content string) (store.KgExtraction, error) {
	cfg := ix.store.Config()
	raw, err := completer.Complete(ctx, kgSystemPrompt, kgUserMessage(rec, content))
	if err != nil {
		return store.KgExtraction{}, err
	}
	payload, err := parseKgPayload(raw)
	if err != nil {
		return store.KgExtraction{}, err
	}

	var out store.KgExtraction
	for _, e := range payload.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" || textutil.EntityKey(name) == "" {
			continue
		}
		out.Entities = append(out.Entities, store.KgExtractedEntity{
			Name:       name,
			EntityType: strings.ToLower(strings.TrimSpace(e.Type)),
			Aliases:    e.Aliases,
		})
		if len(out.Entities) >= cfg.KgMaxEntities {
			break
		}
	}
	for _, r := range payload.Relations {
		subject := strings.TrimSpace(r.Subject)
		predicate := strings.TrimSpace(r.Predicate)
		object := strings.TrimSpace(r.Object)
		if subject == "" || predicate == "" || object == "" {
			continue
		}
		out.Relations = append(out.Relations, store.KgExtractedRelation{
			Subject:    subject,
			Predicate:  predicate,
			Object:     object,
			Confidence: retention.Clamp01(r.Confidence),
		})
		if len(out.Relations) >= cfg.KgMaxRelations {
			break
		}
	}
	return out, nil
}

// parseKgPayload decodes the model response, tolerating prose around the JSON
// object by retrying on the outermost brace span.
func parseKgPayload(raw string) (kgPayload, error) {
	var payload kgPayload
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		return payload, nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return payload, fmt.Errorf("extraction response is not JSON")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return payload, fmt.Errorf("decode extraction response: %w", err)
	}
	return payload, nil
}

func clipRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
