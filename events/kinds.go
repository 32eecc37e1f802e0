package events

// File processing event kinds
const (
	KindProcessingStarted              = "processing_started"
	KindPDFExtractionProgress          = "pdf_extraction_progress"
	KindSentenceExtractionDetail       = "sentence_extraction_detail"
	KindSentenceClassificationProgress = "sentence_classification_progress"
	KindSentenceClassificationDetail   = "sentence_classification_detail"
	KindProcessingCompleted            = "processing_completed"
	KindProcessingFailed               = "processing_failed"
)

// Chat query event kinds
const (
	KindQueryProcessingStarted     = "query_processing_started"
	KindKeywordExtractionCompleted = "keyword_extraction_completed"
	KindDatabaseSearchProgress     = "database_search_progress"
	KindDatabaseSearchResult       = "database_search_result"
	KindAnswerGenerationStarted    = "answer_generation_started"
	KindReferencedSentences        = "referenced_sentences"
	KindQueryCompleted             = "query_completed"
	KindQueryFailed                = "query_failed"
)

// requiredFields fields each known kind is expected to carry, by class name
var requiredFields = map[string]map[string][]string{
	FileClass.Name: {
		KindProcessingStarted:              {"status"},
		KindPDFExtractionProgress:          {"progress", "current", "total", "status"},
		KindSentenceExtractionDetail:       {"sentences"},
		KindSentenceClassificationProgress: {"progress", "current", "total", "status"},
		KindSentenceClassificationDetail:   {"sentences"},
		KindProcessingCompleted:            {"status"},
		KindProcessingFailed:               {"status", "error_message"},
	},
	QueryClass.Name: {
		KindQueryProcessingStarted:     {"status"},
		KindKeywordExtractionCompleted: {"keywords"},
		KindDatabaseSearchProgress:     {"progress", "keywords", "current_step"},
		KindDatabaseSearchResult:       {"keyword", "found_sentences"},
		KindAnswerGenerationStarted:    {},
		KindReferencedSentences:        {"referenced_sentences"},
		KindQueryCompleted:             {"status"},
		KindQueryFailed:                {"status", "error_message"},
	},
}

// KnownKind whether kind is a recognized event kind of the class
func KnownKind(class ResourceClass, kind string) bool {
	_, ok := requiredFields[class.Name][kind]
	return ok
}

// MissingFields the fields the envelope's kind expects but does not carry.
// Unknown kinds have no expectations.
func MissingFields(e Envelope) []string {
	missing := []string{}
	for _, name := range requiredFields[e.topic.Class().Name][e.kind] {
		if _, ok := e.fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
