package normalize

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestFromPayloadRAG(t *testing.T) {
	payload := map[string]any{
		"documents": []any{
			map[string]any{
				"content": "Section 4.1 describes forecasting requirements.",
				"score":   0.92,
				"metadata": map[string]any{
					"source": "GOST_R_52633.3-2011",
					"title":  "Generation forecasting",
				},
			},
			map[string]any{
				"content":  "Untitled chunk.",
				"metadata": map[string]any{"filename": "report.pdf"},
			},
			map[string]any{
				"content": "Chunk with no metadata at all.",
			},
		},
	}
	docs := FromPayload("rag-server", KindRAG, nil, payload, Options{})
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}

	t.Run("source from metadata source", func(t *testing.T) {
		d := docs[0]
		if d.Source != "GOST_R_52633.3-2011" {
			t.Errorf("source = %q", d.Source)
		}
		if d.SourceType != SourceLocalDocument {
			t.Errorf("source_type = %q", d.SourceType)
		}
		if d.RelevanceScore == nil || *d.RelevanceScore != 0.92 {
			t.Errorf("score = %v", d.RelevanceScore)
		}
	})
	t.Run("source falls back to filename", func(t *testing.T) {
		if docs[1].Source != "report.pdf" {
			t.Errorf("source = %q", docs[1].Source)
		}
	})
	t.Run("source falls back to service id, never Unknown", func(t *testing.T) {
		if docs[2].Source != "rag-server" {
			t.Errorf("source = %q", docs[2].Source)
		}
	})
}

func TestFromPayloadSearchAggregated(t *testing.T) {
	payload := map[string]any{
		"results": []any{
			map[string]any{"title": "Standards portal", "url": "https://docs.cntd.ru/document/1", "snippet": "Portal snippet."},
			map[string]any{"title": "Research paper", "url": "https://cyberleninka.ru/article/2", "snippet": "Paper snippet."},
		},
	}
	docs := FromPayload("search-server", KindSearch, nil, payload, Options{})
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1 aggregated", len(docs))
	}
	d := docs[0]
	// Domains are sorted for determinism.
	if d.Source != "search: cyberleninka.ru, docs.cntd.ru" {
		t.Errorf("source = %q", d.Source)
	}
	if d.SourceType != SourceWebSearch {
		t.Errorf("source_type = %q", d.SourceType)
	}
	if !strings.Contains(d.Content, "Portal snippet.") || !strings.Contains(d.Content, "Paper snippet.") {
		t.Errorf("content = %q", d.Content)
	}
}

func TestFromPayloadSearchPerHit(t *testing.T) {
	payload := map[string]any{
		"results": []any{
			map[string]any{"title": "A", "url": "https://news.example.co.uk/story", "snippet": "s1", "score": 0.5},
			map[string]any{"title": "B", "url": "https://docs.cntd.ru/d", "snippet": "s2"},
		},
	}
	docs := FromPayload("search-server", KindSearch, nil, payload, Options{SplitSearchHits: true})
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].Source != "example.co.uk" {
		t.Errorf("registered domain = %q", docs[0].Source)
	}
	if docs[1].Source != "docs.cntd.ru" && docs[1].Source != "cntd.ru" {
		t.Errorf("source = %q", docs[1].Source)
	}
	if docs[0].RelevanceScore == nil || *docs[0].RelevanceScore != 0.5 {
		t.Errorf("score = %v", docs[0].RelevanceScore)
	}
}

func TestFromPayloadDownload(t *testing.T) {
	params := map[string]any{"url": "https://www.gost.ru/portal/doc.pdf"}
	payload := map[string]any{"content": "Document body.", "title": "Doc"}
	docs := FromPayload("download-server", KindDownload, params, payload, Options{})
	if len(docs) != 1 {
		t.Fatalf("got %d docs", len(docs))
	}
	if docs[0].Source != "gost.ru" {
		t.Errorf("source = %q, want requested URL's domain", docs[0].Source)
	}
	if docs[0].SourceType != SourceDownload {
		t.Errorf("source_type = %q", docs[0].SourceType)
	}
	if docs[0].Content != "Document body." {
		t.Errorf("content = %q", docs[0].Content)
	}
}

func TestFromPayloadSQL(t *testing.T) {
	payload := map[string]any{
		"columns": []any{"name", "capacity"},
		"rows": []any{
			[]any{"Station A", float64(120)},
			[]any{"Station B", float64(80)},
		},
	}
	docs := FromPayload("sql-server", KindSQL, nil, payload, Options{})
	if len(docs) != 1 {
		t.Fatalf("got %d docs", len(docs))
	}
	d := docs[0]
	if d.SourceType != SourceSQLRow {
		t.Errorf("source_type = %q", d.SourceType)
	}
	if !strings.Contains(d.Content, "name\tcapacity") || !strings.Contains(d.Content, "Station A\t120") {
		t.Errorf("content = %q", d.Content)
	}
	if d.Metadata["row_count"] != 2 {
		t.Errorf("row_count = %v", d.Metadata["row_count"])
	}
}

func TestFromPayloadDNS(t *testing.T) {
	params := map[string]any{"domain": "example.com"}
	payload := map[string]any{
		"records": []any{
			"93.184.216.34",
			map[string]any{"type": "MX", "value": "mail.example.com"},
		},
	}
	docs := FromPayload("dns-server", KindDNS, params, payload, Options{})
	if len(docs) != 1 {
		t.Fatalf("got %d docs", len(docs))
	}
	if docs[0].SourceType != SourceDNSRecord || docs[0].Title != "example.com" {
		t.Errorf("doc = %+v", docs[0])
	}
	if !strings.Contains(docs[0].Content, "MX mail.example.com") {
		t.Errorf("content = %q", docs[0].Content)
	}
}

func TestKeepRawPreservesPayload(t *testing.T) {
	payload := map[string]any{"content": "x", "vendor_field": 7}
	docs := FromPayload("svc", KindRAG, nil, payload, Options{KeepRaw: true})
	if len(docs) != 1 {
		t.Fatalf("got %d docs", len(docs))
	}
	raw, ok := docs[0].Metadata["raw"].(map[string]any)
	if !ok || raw["vendor_field"] != 7 {
		t.Errorf("raw metadata = %v", docs[0].Metadata["raw"])
	}
}

func TestErrorDocument(t *testing.T) {
	d := ErrorDocument("search-server", errors.New("connection refused"))
	if d.Content != "" {
		t.Errorf("content = %q, want empty", d.Content)
	}
	if d.Source != "search-server" {
		t.Errorf("source = %q", d.Source)
	}
	if d.Metadata["error"] != "connection refused" {
		t.Errorf("metadata = %v", d.Metadata)
	}
}

func TestCanonicalIdempotent(t *testing.T) {
	score := 1.7
	d := Document{
		Content:        "body",
		Source:         "Unknown",
		RelevanceScore: &score,
	}
	once := Canonical(d, "svc-1")
	twice := Canonical(once, "svc-1")
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Canonical not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
	if once.Source != "svc-1" {
		t.Errorf(`source = %q, "Unknown" must be replaced`, once.Source)
	}
	if *once.RelevanceScore != 1.0 {
		t.Errorf("score not clamped: %v", *once.RelevanceScore)
	}
	if once.ID == "" {
		t.Error("ID not synthesized")
	}
}

func TestRegisteredDomain(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://docs.cntd.ru/document/1", "cntd.ru"},
		{"https://news.example.co.uk/story", "example.co.uk"},
		{"http://localhost:8080/x", "localhost"},
		{"", ""},
		{"https://10.0.0.1/path", "10.0.0.1"},
		{"http://[::1]:9000/x", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := RegisteredDomain(tt.url); got != tt.want {
				t.Errorf("RegisteredDomain(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
