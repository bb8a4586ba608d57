package session

import "time"

// ContentType classifies one dialogue turn.
type ContentType string

const (
	ContentUser     ContentType = "user"
	ContentAI       ContentType = "ai"
	ContentLog      ContentType = "log"
	ContentError    ContentType = "error"
	ContentInfo     ContentType = "info"
	ContentGroupLog ContentType = "group_log"
	ContentUI       ContentType = "ui"
	ContentRequest  ContentType = "request"
)

// Dialogue is one turn in a session's dialogue. Grouped log turns carry
// their lines in Group instead of Content.
type Dialogue struct {
	ID          int         `json:"id"`
	ContentType ContentType `json:"contentType"`
	IsUser      bool        `json:"isuser"`
	Content     string      `json:"content,omitempty"`
	Group       []Dialogue  `json:"group,omitempty"`
	UI          string      `json:"ui,omitempty"`
}

// Click is a single sampled pointer interaction reported with screenshots.
type Click struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// Tutorial tracks progress through the selected tutorial, if any.
type Tutorial struct {
	IsTutorial bool `json:"isTutorial"`
	TutorialID *int `json:"tutorialId"`
	Progress   int  `json:"progress"`
}

// Stats holds usage counters mutated incidentally by session operations.
type Stats struct {
	TotalConnectingTime int `json:"totalConnectingTime"`
	CurrentNumOfBlocks  int `json:"currentNumOfBlocks"`
	TotalInvokedLLM     int `json:"totalInvokedLLM"`
	TotalUserMessages   int `json:"totalUserMessages"`
	TotalCodeExecutions int `json:"totalCodeExecutions"`
}

// Value is the authoritative state of one collaborative session, addressable
// by its join code. All mutations are funneled through the per-session
// runtime so readers never observe a partially patched tree.
type Value struct {
	SessionCode string `json:"sessioncode"`
	UUID        string `json:"uuid"`

	Dialogue     []Dialogue `json:"dialogue"`
	QuickReplies []string   `json:"quickReplies"`
	IsReplying   bool       `json:"isReplying"`

	// Workspace is the block editor's serialized snapshot. The server treats
	// it as an atomic blob.
	Workspace   map[string]any `json:"workspace"`
	IsVMRunning bool           `json:"isVMRunning"`
	Clients     []string       `json:"clients"`

	Language     string `json:"language"`
	EasyMode     bool   `json:"easyMode"`
	ResponseMode string `json:"responseMode"`
	LLMContext   string `json:"llmContext"`

	Tutorial Tutorial `json:"tutorial"`
	Stats    Stats    `json:"stats"`

	Screenshot string  `json:"screenshot"`
	Clicks     []Click `json:"clicks"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// New returns the initial state for a freshly created session.
func New(code, uuid, language string) *Value {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Value{
		SessionCode:  code,
		UUID:         uuid,
		Dialogue:     []Dialogue{},
		QuickReplies: []string{},
		Workspace:    map[string]any{},
		Clients:      []string{},
		Language:     language,
		ResponseMode: "text",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Touch updates the modification timestamp.
func (v *Value) Touch() {
	v.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// HasClient reports whether the connection id is joined to the room.
func (v *Value) HasClient(id string) bool {
	for _, c := range v.Clients {
		if c == id {
			return true
		}
	}
	return false
}

// AddClient joins a connection id to the room.
func (v *Value) AddClient(id string) {
	if v.HasClient(id) {
		return
	}
	v.Clients = append(v.Clients, id)
}

// RemoveClient drops a connection id from the room.
func (v *Value) RemoveClient(id string) {
	out := v.Clients[:0]
	for _, c := range v.Clients {
		if c != id {
			out = append(out, c)
		}
	}
	v.Clients = out
}
