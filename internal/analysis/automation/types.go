package automation

import "github.com/google/uuid"

// classifyRequest is the body sent to the classification webhook.
type classifyRequest struct {
	Sentence string `json:"sentence"`
}

// classifyResponse is the classification webhook's verdict.
type classifyResponse struct {
	Category    string `json:"category"`
	Explanation string `json:"explanation"`
}

// sectionPayload describes one candidate section to the selection webhook.
type sectionPayload struct {
	ID          uuid.UUID `json:"id"`
	PaperID     uuid.UUID `json:"paper_id"`
	SectionType string    `json:"section_type"`
	Page        int       `json:"page"`
	Preview     string    `json:"preview"`
}

// selectSectionsRequest is the body sent to the section-selection webhook.
type selectSectionsRequest struct {
	Question string           `json:"question"`
	Sections []sectionPayload `json:"sections"`
}

// selectSectionsResponse lists the sections the webhook judged relevant.
type selectSectionsResponse struct {
	SectionIDs []uuid.UUID `json:"section_ids"`
}

// extractKeywordsRequest is the body sent to the keyword-extraction webhook.
type extractKeywordsRequest struct {
	Question string `json:"question"`
}

// extractKeywordsResponse carries the derived keywords.
type extractKeywordsResponse struct {
	Keywords []string `json:"keywords"`
}

// contentPayload is one selected sentence handed to answer composition.
type contentPayload struct {
	ReferenceID string    `json:"reference_id"`
	PaperID     uuid.UUID `json:"paper_id"`
	SectionType string    `json:"section_type"`
	Page        int       `json:"page"`
	Text        string    `json:"text"`
	Explanation string    `json:"explanation,omitempty"`
}

// composeAnswerRequest is the body sent to the answer-composition webhook.
type composeAnswerRequest struct {
	Question string           `json:"question"`
	Keywords []string         `json:"keywords"`
	Content  []contentPayload `json:"content"`
}

// composeAnswerResponse carries the composed answer text.
type composeAnswerResponse struct {
	Answer string `json:"answer"`
}

// ErrorResponse is the error body the automation service returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
