package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forensiq/internal/artifact"

	"go.uber.org/zap"
)

// Elastic is the primary, search-indexed store. It speaks the REST API
// directly: one index per category, deterministic document IDs, replace
// via delete-by-query plus bulk indexing.
type Elastic struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

const bulkChunkSize = 1000

// NewElastic creates a client for the given base URL. A nil logger is
// replaced with a no-op.
func NewElastic(baseURL string, timeout time.Duration, log *zap.Logger) *Elastic {
	if log == nil {
		log = zap.NewNop()
	}
	return &Elastic{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Ping verifies the cluster answers.
func (e *Elastic) Ping(ctx context.Context) error {
	body, status, err := e.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("elasticsearch ping returned status %d: %s", status, body)
	}
	return nil
}

// indexMappings keeps timestamps and identifiers typed so range queries
// and term filters behave. Remaining fields use dynamic mapping.
func indexMappings() map[string]any {
	return map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"ts":          map[string]any{"type": "date", "format": "strict_date_time||strict_date_time_no_millis"},
				"natural_key": map[string]any{"type": "keyword"},
				"_meta": map[string]any{
					"properties": map[string]any{
						"case_id":     map[string]any{"type": "keyword"},
						"parser":      map[string]any{"type": "keyword"},
						"parsed_at":   map[string]any{"type": "date"},
						"source_path": map[string]any{"type": "keyword"},
					},
				},
			},
		},
	}
}

// ensureIndex creates the category index if missing.
func (e *Elastic) ensureIndex(ctx context.Context, cat artifact.Category) error {
	payload, _ := json.Marshal(indexMappings())
	body, status, err := e.do(ctx, http.MethodPut, "/"+cat.IndexName(), payload)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status == http.StatusBadRequest && bytes.Contains(body, []byte("resource_already_exists_exception")) {
		return nil
	}
	return fmt.Errorf("failed to create index %s: status %d: %s", cat.IndexName(), status, body)
}

// ReplaceCategory clears the case+category partition then bulk-indexes the
// records in chunks. Deterministic _id values make a crashed re-run
// converge on the same documents.
func (e *Elastic) ReplaceCategory(ctx context.Context, caseID string, cat artifact.Category, recs []artifact.Record) (int, error) {
	if err := e.ensureIndex(ctx, cat); err != nil {
		return 0, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
	}

	if err := e.deleteByCase(ctx, cat.IndexName(), caseID); err != nil {
		return 0, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
	}

	written := 0
	for start := 0; start < len(recs); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(recs) {
			end = len(recs)
		}
		n, err := e.bulkIndex(ctx, cat, recs[start:end])
		if err != nil {
			return written, &QueryError{Op: "replace " + string(cat), CaseID: caseID, Err: err}
		}
		written += n
	}

	e.log.Info("replaced partition",
		zap.String("case_id", caseID),
		zap.String("category", string(cat)),
		zap.Int("written", written))
	return written, nil
}

func (e *Elastic) bulkIndex(ctx context.Context, cat artifact.Category, recs []artifact.Record) (int, error) {
	var buf bytes.Buffer
	for i := range recs {
		rec := &recs[i]
		action := map[string]any{"index": map[string]any{"_index": cat.IndexName(), "_id": rec.DocID()}}
		meta, _ := json.Marshal(action)
		buf.Write(meta)
		buf.WriteByte('\n')

		doc := make(map[string]any, len(rec.Fields)+1)
		for k, v := range rec.Fields {
			doc[k] = v
		}
		doc["natural_key"] = rec.Key
		src, err := json.Marshal(doc)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal document: %w", err)
		}
		buf.Write(src)
		buf.WriteByte('\n')
	}

	body, status, err := e.do(ctx, http.MethodPost, "/_bulk?refresh=true", buf.Bytes())
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("bulk request returned status %d: %s", status, body)
	}

	var resp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if !resp.Errors {
		return len(recs), nil
	}

	written := 0
	var firstErr string
	for _, item := range resp.Items {
		for _, r := range item {
			if r.Status >= 200 && r.Status < 300 {
				written++
			} else if firstErr == "" && r.Error != nil {
				firstErr = fmt.Sprintf("%s: %s", r.Error.Type, r.Error.Reason)
			}
		}
	}
	return written, fmt.Errorf("bulk indexing had failures (%d/%d written): %s", written, len(recs), firstErr)
}

func (e *Elastic) deleteByCase(ctx context.Context, index, caseID string) error {
	query := map[string]any{
		"query": map[string]any{"term": map[string]any{"_meta.case_id": caseID}},
	}
	payload, _ := json.Marshal(query)
	body, status, err := e.do(ctx, http.MethodPost, "/"+index+"/_delete_by_query?refresh=true", payload)
	if err != nil {
		return err
	}
	// A missing index means an empty partition.
	if status == http.StatusNotFound {
		return nil
	}
	if status != http.StatusOK {
		return fmt.Errorf("delete_by_query returned status %d: %s", status, body)
	}
	return nil
}

// Search runs a query_string search filtered to the case.
func (e *Elastic) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	cats := req.Categories
	if len(cats) == 0 {
		cats = artifact.AllCategories()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	indices := make([]string, len(cats))
	for i, c := range cats {
		indices[i] = c.IndexName()
	}

	must := []any{}
	if q := strings.TrimSpace(req.Query); q != "" {
		terms := strings.Fields(q)
		for i, t := range terms {
			terms[i] = "*" + t + "*"
		}
		must = append(must, map[string]any{
			"query_string": map[string]any{
				"query":            strings.Join(terms, " AND "),
				"analyze_wildcard": true,
			},
		})
	}

	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"must":   must,
				"filter": []any{map[string]any{"term": map[string]any{"_meta.case_id": req.CaseID}}},
			},
		},
		"sort": []any{map[string]any{"ts": map[string]any{"order": "asc", "missing": "_last", "unmapped_type": "date"}}},
	}

	hits, err := e.search(ctx, strings.Join(indices, ","), body)
	if err != nil {
		return nil, &QueryError{Op: "search", CaseID: req.CaseID, Err: err}
	}
	return hits, nil
}

// FetchCategory returns the category's records in chronological order.
func (e *Elastic) FetchCategory(ctx context.Context, caseID string, cat artifact.Category, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10000
	}
	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{map[string]any{"term": map[string]any{"_meta.case_id": caseID}}},
			},
		},
		"sort": []any{map[string]any{"ts": map[string]any{"order": "asc", "missing": "_last", "unmapped_type": "date"}}},
	}

	hits, err := e.search(ctx, cat.IndexName(), body)
	if err != nil {
		return nil, &QueryError{Op: "fetch " + string(cat), CaseID: caseID, Err: err}
	}
	return hits, nil
}

func (e *Elastic) search(ctx context.Context, indices string, query map[string]any) ([]Hit, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	body, status, err := e.do(ctx, http.MethodPost, "/"+indices+"/_search?ignore_unavailable=true", payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d: %s", status, body)
	}

	var resp struct {
		Hits struct {
			Hits []struct {
				Index  string         `json:"_index"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	out := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hit := Hit{
			Category: categoryFromIndex(h.Index),
			Fields:   h.Source,
		}
		if key, ok := h.Source["natural_key"].(string); ok {
			hit.Key = key
			delete(h.Source, "natural_key")
		}
		if ts, ok := h.Source["ts"].(string); ok {
			if t, perr := time.Parse(time.RFC3339, ts); perr == nil {
				u := t.UTC()
				hit.Timestamp = &u
			}
		}
		out = append(out, hit)
	}
	return out, nil
}

// Counts returns per-category document counts for a case.
func (e *Elastic) Counts(ctx context.Context, caseID string) (map[artifact.Category]int, error) {
	query := map[string]any{
		"query": map[string]any{"term": map[string]any{"_meta.case_id": caseID}},
	}
	payload, _ := json.Marshal(query)

	out := make(map[artifact.Category]int, 5)
	for _, cat := range artifact.AllCategories() {
		body, status, err := e.do(ctx, http.MethodPost, "/"+cat.IndexName()+"/_count", payload)
		if err != nil {
			return nil, &QueryError{Op: "counts", CaseID: caseID, Err: err}
		}
		if status == http.StatusNotFound {
			out[cat] = 0
			continue
		}
		if status != http.StatusOK {
			return nil, &QueryError{Op: "counts", CaseID: caseID,
				Err: fmt.Errorf("count returned status %d: %s", status, body)}
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &QueryError{Op: "counts", CaseID: caseID, Err: err}
		}
		out[cat] = resp.Count
	}
	return out, nil
}

// DeleteCase removes the case's documents from every index.
func (e *Elastic) DeleteCase(ctx context.Context, caseID string) error {
	for _, cat := range artifact.AllCategories() {
		if err := e.deleteByCase(ctx, cat.IndexName(), caseID); err != nil {
			return &QueryError{Op: "delete case data", CaseID: caseID, Err: err}
		}
	}
	return nil
}

// do executes one request with retries on transient failures.
func (e *Elastic) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.httpClient.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.httpClient.Timeout)
		defer cancel()
	}

	const maxRetries = 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			if strings.HasPrefix(path, "/_bulk") {
				req.Header.Set("Content-Type", "application/x-ndjson")
			} else {
				req.Header.Set("Content-Type", "application/json")
			}
		}

		start := time.Now()
		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			e.log.Debug("request error, retrying",
				zap.String("path", path), zap.Int("attempt", i), zap.Error(err))
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusBadGateway {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, body)
			continue
		}

		e.log.Debug("request complete",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", time.Since(start)))
		return body, resp.StatusCode, nil
	}

	return nil, 0, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func categoryFromIndex(index string) artifact.Category {
	return artifact.Category(strings.TrimPrefix(index, "forensic-"))
}
