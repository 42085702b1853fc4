package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Kind identifies the service kind a raw payload came from, which picks
// the conversion rules.
type Kind string

const (
	KindSearch   Kind = "search"
	KindRAG      Kind = "rag"
	KindSQL      Kind = "sql"
	KindDNS      Kind = "dns"
	KindDownload Kind = "download"
	KindOther    Kind = "other"
)

// Options tunes conversion.
type Options struct {
	// SplitSearchHits emits one Document per search hit instead of a
	// single aggregated document.
	SplitSearchHits bool

	// KeepRaw stores the original payload under Metadata["raw"].
	KeepRaw bool
}

// FromPayload converts one raw tool response into documents. serviceID is
// the invoked service, params the invocation parameters (the download
// converter reads the requested URL from them). The conversion never
// fails: unrecognized shapes degrade to a single KindOther document whose
// content is the payload rendered as text.
func FromPayload(serviceID string, kind Kind, params, payload map[string]any, opts Options) []Document {
	var docs []Document
	switch kind {
	case KindRAG:
		docs = fromRAG(serviceID, payload)
	case KindSearch:
		docs = fromSearch(serviceID, payload, opts.SplitSearchHits)
	case KindSQL:
		docs = fromSQL(serviceID, payload)
	case KindDNS:
		docs = fromDNS(serviceID, params, payload)
	case KindDownload:
		docs = fromDownload(serviceID, params, payload)
	default:
		docs = []Document{{
			Content:    renderValue(payload),
			Source:     serviceID,
			SourceType: SourceOther,
		}}
	}
	for i := range docs {
		if opts.KeepRaw {
			if docs[i].Metadata == nil {
				docs[i].Metadata = map[string]any{}
			}
			docs[i].Metadata["raw"] = payload
		}
		docs[i] = Canonical(docs[i], serviceID)
	}
	return docs
}

// ErrorDocument represents a failed tool call as a document so partial
// batches keep positional integrity.
func ErrorDocument(serviceID string, err error) Document {
	return Canonical(Document{
		Content:    "",
		Source:     serviceID,
		SourceType: SourceOther,
		Metadata:   map[string]any{"error": err.Error()},
	}, serviceID)
}

// Canonical fills derived fields and enforces the schema invariants:
// non-empty source (never "Unknown"), a stable content-derived ID, and a
// relevance score clamped to [0,1]. It is idempotent: applying it to its
// own output changes nothing.
func Canonical(d Document, serviceID string) Document {
	if d.Source == "" || strings.EqualFold(d.Source, "unknown") {
		d.Source = serviceID
	}
	if d.SourceType == "" {
		d.SourceType = SourceOther
	}
	if d.RelevanceScore != nil {
		score := *d.RelevanceScore
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		d.RelevanceScore = &score
	}
	if d.ID == "" {
		d.ID = contentID(d.Source, d.URL, d.Content)
	}
	return d
}

// fromRAG converts a retrieval payload. Source precedence is the
// document's own metadata: source, then filename, then title; the
// service ID is the last resort.
func fromRAG(serviceID string, payload map[string]any) []Document {
	hits := sliceOfMaps(payload, "documents", "results")
	if hits == nil {
		if content := stringAt(payload, "content"); content != "" {
			hits = []map[string]any{payload}
		}
	}
	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		meta, _ := hit["metadata"].(map[string]any)
		source := firstNonEmpty(
			stringAt(meta, "source"),
			stringAt(meta, "filename"),
			stringAt(meta, "title"),
		)
		docs = append(docs, Document{
			Content:              stringAt(hit, "content", "text"),
			Title:                firstNonEmpty(stringAt(hit, "title"), stringAt(meta, "title")),
			Source:               source,
			SourceType:           SourceLocalDocument,
			RelevanceScore:       floatAt(hit, "score", "relevance_score"),
			Metadata:             meta,
			Summary:              stringAt(hit, "summary"),
			FullContentAvailable: true,
		})
	}
	return docs
}

// fromSearch converts web search hits. Aggregated mode joins all
// snippets into one document whose source lists the distinct registered
// domains, sorted, as "search: a.com, b.org".
func fromSearch(serviceID string, payload map[string]any, split bool) []Document {
	hits := sliceOfMaps(payload, "results", "hits")
	if len(hits) == 0 {
		return nil
	}

	if split {
		docs := make([]Document, 0, len(hits))
		for _, hit := range hits {
			hitURL := stringAt(hit, "url", "link")
			docs = append(docs, Document{
				Content:        stringAt(hit, "snippet", "content", "text"),
				Title:          stringAt(hit, "title"),
				URL:            hitURL,
				Source:         RegisteredDomain(hitURL),
				SourceType:     SourceWebSearch,
				RelevanceScore: floatAt(hit, "score", "relevance_score"),
			})
		}
		return docs
	}

	var parts []string
	domains := map[string]struct{}{}
	for _, hit := range hits {
		if snippet := stringAt(hit, "snippet", "content", "text"); snippet != "" {
			if title := stringAt(hit, "title"); title != "" {
				parts = append(parts, title+": "+snippet)
			} else {
				parts = append(parts, snippet)
			}
		}
		// The aggregated label keeps the full host so distinct
		// subdomains of one site stay distinguishable.
		if domain := hostDomain(stringAt(hit, "url", "link")); domain != "" {
			domains[domain] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(domains))
	for d := range domains {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	source := serviceID
	if len(sorted) > 0 {
		source = "search: " + strings.Join(sorted, ", ")
	}
	return []Document{{
		Content:    strings.Join(parts, "\n\n"),
		Source:     source,
		SourceType: SourceWebSearch,
	}}
}

// fromSQL renders a result set as one tab-separated document.
func fromSQL(serviceID string, payload map[string]any) []Document {
	columns := stringSlice(payload, "columns")
	rows, _ := payload["rows"].([]any)

	var sb strings.Builder
	if len(columns) > 0 {
		sb.WriteString(strings.Join(columns, "\t"))
		sb.WriteByte('\n')
	}
	for _, row := range rows {
		cells, ok := row.([]any)
		if !ok {
			// Row objects keyed by column name.
			if obj, ok := row.(map[string]any); ok {
				rendered := make([]string, 0, len(columns))
				for _, col := range columns {
					rendered = append(rendered, renderValue(obj[col]))
				}
				sb.WriteString(strings.Join(rendered, "\t"))
				sb.WriteByte('\n')
			}
			continue
		}
		rendered := make([]string, 0, len(cells))
		for _, c := range cells {
			rendered = append(rendered, renderValue(c))
		}
		sb.WriteString(strings.Join(rendered, "\t"))
		sb.WriteByte('\n')
	}

	return []Document{{
		Content:    strings.TrimRight(sb.String(), "\n"),
		Source:     serviceID,
		SourceType: SourceSQLRow,
		Metadata: map[string]any{
			"columns":   columns,
			"row_count": len(rows),
		},
	}}
}

// fromDNS joins resolved records into one document.
func fromDNS(serviceID string, params, payload map[string]any) []Document {
	records, _ := payload["records"].([]any)
	lines := make([]string, 0, len(records))
	for _, r := range records {
		switch rec := r.(type) {
		case string:
			lines = append(lines, rec)
		case map[string]any:
			lines = append(lines, strings.TrimSpace(
				stringAt(rec, "type")+" "+stringAt(rec, "value", "data")))
		}
	}
	title := stringAt(params, "domain", "name", "host")
	return []Document{{
		Content:    strings.Join(lines, "\n"),
		Title:      title,
		Source:     serviceID,
		SourceType: SourceDNSRecord,
	}}
}

// fromDownload converts a fetched page. Source is the registered domain
// of the requested URL.
func fromDownload(serviceID string, params, payload map[string]any) []Document {
	reqURL := firstNonEmpty(
		stringAt(payload, "url"),
		stringAt(params, "url"),
	)
	return []Document{{
		Content:              stringAt(payload, "content", "body", "text"),
		Title:                stringAt(payload, "title"),
		URL:                  reqURL,
		Source:               RegisteredDomain(reqURL),
		SourceType:           SourceDownload,
		FullContentAvailable: true,
	}}
}

// RegisteredDomain extracts the effective registrable domain of a URL
// ("https://news.example.co.uk/x" -> "example.co.uk"). Returns "" when
// the URL has no usable host.
func RegisteredDomain(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	// publicsuffix mangles IP literals ("10.0.0.1" -> "0.1") instead of
	// erroring; keep them whole.
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Bare hosts and IPs have no public suffix; keep the host.
		return host
	}
	return domain
}

// hostDomain returns the lowercased hostname of a URL with a leading
// "www." stripped.
func hostDomain(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func contentID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringAt(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func floatAt(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			f := v
			return &f
		case int:
			f := float64(v)
			return &f
		}
	}
	return nil
}

func stringSlice(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sliceOfMaps(m map[string]any, keys ...string) []map[string]any {
	for _, k := range keys {
		raw, ok := m[k].([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(raw))
		for _, v := range raw {
			if obj, ok := v.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	}
	return nil
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
