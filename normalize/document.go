// Package normalize converts heterogeneous tool service payloads into a
// single Document schema so downstream synthesis never special-cases a
// service kind.
package normalize

// SourceType classifies where a document's content came from.
type SourceType string

const (
	SourceWebSearch     SourceType = "web_search"
	SourceLocalDocument SourceType = "local_document"
	SourceDownload      SourceType = "download_result"
	SourceSQLRow        SourceType = "sql_row"
	SourceDNSRecord     SourceType = "dns_record"
	SourceOther         SourceType = "other"
)

// Document is the unified result record. Source is always a meaningful
// attribution (a domain, a filename, a service ID), never empty and
// never the literal string "Unknown".
type Document struct {
	ID                   string         `json:"id"`
	Content              string         `json:"content"`
	Title                string         `json:"title,omitempty"`
	URL                  string         `json:"url,omitempty"`
	Source               string         `json:"source"`
	SourceType           SourceType     `json:"source_type"`
	RelevanceScore       *float64       `json:"relevance_score,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	Summary              string         `json:"summary,omitempty"`
	FullContentAvailable bool           `json:"full_content_available"`
}
