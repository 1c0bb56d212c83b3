package template

import (
	"time"
)

// Status is the provider review state of a template
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusRotated  Status = "ROTATED"
)

// Category is the provider billing category of a template
type Category string

const (
	CategoryUtility        Category = "UTILITY"
	CategoryMarketing      Category = "MARKETING"
	CategoryAuthentication Category = "AUTHENTICATION"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryUtility, CategoryMarketing, CategoryAuthentication:
		return true
	}
	return false
}

// Template is one (name, language) message template
type Template struct {
	Key             string     `json:"key"`
	Name            string     `json:"name"`
	Language        string     `json:"language"`
	Category        Category   `json:"category"`
	Status          Status     `json:"status"`
	Components      Components `json:"components"`
	ProviderID      string     `json:"provider_id,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	RotationReason  string     `json:"rotation_reason,omitempty"`
	Replacement     string     `json:"replacement,omitempty"` // key of the template submitted on rotation
	Metrics         Metrics    `json:"metrics"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RotatedAt       *time.Time `json:"rotated_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Set on copies returned by GetBestTemplate
	Fallback    bool `json:"fallback,omitempty"`
	Alternative bool `json:"alternative,omitempty"`
}

// Components is the header/body/footer/buttons structure of a template
type Components struct {
	Header  *Header  `json:"header,omitempty"`
	Body    Body     `json:"body"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Header is an optional text or media header
type Header struct {
	Format string `json:"format"` // TEXT, IMAGE, VIDEO, DOCUMENT
	Text   string `json:"text,omitempty"`
}

// Body is the template body with positional {{n}} placeholders
type Body struct {
	Text     string   `json:"text"`
	Examples []string `json:"examples,omitempty"`
}

// Button is a template button
type Button struct {
	Type        string `json:"type"` // QUICK_REPLY, URL, PHONE_NUMBER
	Text        string `json:"text"`
	URL         string `json:"url,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Metrics tracks how recipients react to a template
type Metrics struct {
	Messages   int64   `json:"messages"`
	Blocks     int64   `json:"blocks"`
	Reports    int64   `json:"reports"`
	BlockRate  float64 `json:"block_rate"`
	ReportRate float64 `json:"report_rate"`
}

func (m *Metrics) recompute() {
	denom := float64(m.Messages)
	if denom < 1 {
		denom = 1
	}
	m.BlockRate = float64(m.Blocks) / denom
	m.ReportRate = float64(m.Reports) / denom
}

// Key builds the index key of a (name, language) pair
func Key(name, language string) string {
	return name + "_" + language
}

// SubmitResult is the outcome of one language submission
type SubmitResult struct {
	Key        string `json:"key"`
	Language   string `json:"language"`
	Success    bool   `json:"success"`
	ProviderID string `json:"provider_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Update describes one status transition found by polling
type Update struct {
	Key       string `json:"key"`
	OldStatus Status `json:"old_status"`
	NewStatus Status `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
}

// ListFilter contains filters for listing templates
type ListFilter struct {
	Limit  int
	Offset int
	Search string
	Status Status
}

// Stats contains template statistics
type Stats struct {
	Total      int64            `json:"total"`
	Pending    int64            `json:"pending"`
	Approved   int64            `json:"approved"`
	Rejected   int64            `json:"rejected"`
	Rotated    int64            `json:"rotated"`
	ByLanguage map[string]int64 `json:"by_language"`
	ByCategory map[string]int64 `json:"by_category"`
}

// BodyParamCount is the number of distinct positional placeholders in the body
func (t *Template) BodyParamCount() int {
	return len(NewEngine().Placeholders(t.Components.Body.Text))
}
