package types

// ExtractRequest is the webhook request body for POST /extract.
type ExtractRequest struct {
	Mime       string   `json:"mime"`
	DataBase64 string   `json:"dataBase64"`
	Languages  []string `json:"languages,omitempty"`
	MaxPages   int      `json:"maxPages,omitempty"`
}

// PageResult holds the text produced for a single 1-based page.
type PageResult struct {
	PageNumber int
	Text       string
}

// PDFInfo reports how much of the original document was submitted to the
// engine after preslicing.
type PDFInfo struct {
	OriginalPages  int  `json:"originalPages"`
	SubmittedPages int  `json:"submittedPages"`
	Presliced      bool `json:"presliced"`
}

type Meta struct {
	Engine     string   `json:"engine"`
	DurationMs int64    `json:"durationMs"`
	Source     string   `json:"source"`
	Attempts   int      `json:"attempts,omitempty"`
	PDF        *PDFInfo `json:"pdf,omitempty"`
}

// ExtractResponse is the 200 response body for POST /extract.
type ExtractResponse struct {
	Text       string `json:"text"`
	PagesOcred []int  `json:"pagesOcred"`
	Meta       Meta   `json:"meta"`
	RequestID  string `json:"requestId"`
}
