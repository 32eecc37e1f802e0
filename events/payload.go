package events

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Payload the typed content of an event. It is one of Lifecycle, Progress,
// Detail, Failure, Keywords, SearchProgress, SearchResult, AnswerStarted,
// References or Opaque.
type Payload interface {
	// EventKind the event kind the payload was decoded from
	EventKind() string
	payload()
}

// Lifecycle job started / completed marker
type Lifecycle struct {
	Kind   string `json:"-"`
	Status string `json:"status"`
}

// Progress numeric job progress
type Progress struct {
	Kind     string  `json:"-"`
	Progress float64 `json:"progress"`
	Current  int     `json:"current"`
	Total    int     `json:"total"`
	Status   string  `json:"status"`
}

// Detail a batch of extracted or classified sentences
type Detail struct {
	Kind      string            `json:"-"`
	Sentences []json.RawMessage `json:"sentences"`
}

// Failure job failure
type Failure struct {
	Kind         string `json:"-"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// Keywords keywords extracted from a chat query
type Keywords struct {
	Keywords []string `json:"keywords"`
}

// SearchProgress database search progress of a chat query
type SearchProgress struct {
	Progress         float64        `json:"progress"`
	Keywords         []string       `json:"keywords"`
	CurrentStep      string         `json:"current_step"`
	FoundDefinitions map[string]int `json:"found_definitions,omitempty"`
}

// SearchResult sentences found for one keyword
type SearchResult struct {
	Keyword        string            `json:"keyword"`
	FoundSentences []json.RawMessage `json:"found_sentences"`
}

// AnswerStarted answer generation has begun
type AnswerStarted struct{}

// References sentences referenced by the generated answer
type References struct {
	ReferencedSentences []json.RawMessage `json:"referenced_sentences"`
}

// Opaque an event kind this broker does not interpret
type Opaque struct {
	Kind   string
	Fields map[string]json.RawMessage
}

func (p Lifecycle) EventKind() string      { return p.Kind }
func (p Progress) EventKind() string       { return p.Kind }
func (p Detail) EventKind() string         { return p.Kind }
func (p Failure) EventKind() string        { return p.Kind }
func (p Keywords) EventKind() string       { return KindKeywordExtractionCompleted }
func (p SearchProgress) EventKind() string { return KindDatabaseSearchProgress }
func (p SearchResult) EventKind() string   { return KindDatabaseSearchResult }
func (p AnswerStarted) EventKind() string  { return KindAnswerGenerationStarted }
func (p References) EventKind() string     { return KindReferencedSentences }
func (p Opaque) EventKind() string         { return p.Kind }

func (Lifecycle) payload()      {}
func (Progress) payload()       {}
func (Detail) payload()         {}
func (Failure) payload()        {}
func (Keywords) payload()       {}
func (SearchProgress) payload() {}
func (SearchResult) payload()   {}
func (AnswerStarted) payload()  {}
func (References) payload()     {}
func (Opaque) payload()         {}

// Decode the envelope's fields into the payload variant for its kind
func (e Envelope) Decode() (Payload, error) {
	switch e.kind {
	case KindProcessingStarted, KindProcessingCompleted,
		KindQueryProcessingStarted, KindQueryCompleted:
		p := Lifecycle{Kind: e.kind}
		return p, e.decodeInto(&p)
	case KindPDFExtractionProgress, KindSentenceClassificationProgress:
		p := Progress{Kind: e.kind}
		return p, e.decodeInto(&p)
	case KindSentenceExtractionDetail, KindSentenceClassificationDetail:
		p := Detail{Kind: e.kind}
		return p, e.decodeInto(&p)
	case KindProcessingFailed, KindQueryFailed:
		p := Failure{Kind: e.kind}
		if err := e.decodeInto(&p); err != nil {
			return p, err
		}
		// older workers report the message under "error"
		if p.ErrorMessage == "" {
			if raw, ok := e.fields["error"]; ok {
				_ = json.Unmarshal(raw, &p.ErrorMessage)
			}
		}
		return p, nil
	case KindKeywordExtractionCompleted:
		var p Keywords
		return p, e.decodeInto(&p)
	case KindDatabaseSearchProgress:
		var p SearchProgress
		return p, e.decodeInto(&p)
	case KindDatabaseSearchResult:
		var p SearchResult
		return p, e.decodeInto(&p)
	case KindAnswerGenerationStarted:
		return AnswerStarted{}, nil
	case KindReferencedSentences:
		var p References
		return p, e.decodeInto(&p)
	default:
		return Opaque{Kind: e.kind, Fields: e.fields}, nil
	}
}

func (e Envelope) decodeInto(target interface{}) error {
	raw, err := json.Marshal(e.fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode '%s' fields: %w", e.kind, err)
	}
	return nil
}
