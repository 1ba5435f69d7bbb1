package store

import "time"

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	Suspended    bool
	CreatedAt    time.Time
}

type Workspace struct {
	ID            string
	Name          string
	Slug          string
	PfpObject     string
	ChatMode      string
	OpenAiHistory int
	OpenAiPrompt  string
	OpenAiTemp    float64
	LLMProvider   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Document struct {
	ID          string
	WorkspaceID string
	Docpath     string
	Filename    string
	Pinned      bool
	Metadata    string
	CreatedAt   time.Time
}

// DocumentVector maps one embedded chunk in the vector index back to the
// document it came from. Deleting a document deletes its vectors by these ids.
type DocumentVector struct {
	ID          string
	WorkspaceID string
	Docpath     string
	VectorID    string
}

type Chat struct {
	ID            int64
	WorkspaceID   string
	ThreadID      *string
	UserID        *string
	Prompt        string
	Response      string
	Include       bool
	FeedbackScore *bool
	APISessionID  *string
	CreatedAt     time.Time
}

// ChatResponse is the structured payload stored in Chat.Response.
type ChatResponse struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
	Type    string   `json:"type,omitempty"`
}

type Thread struct {
	ID          string
	WorkspaceID string
	Slug        string
	Name        string
	UserID      *string
	CreatedAt   time.Time
}

type APIKey struct {
	ID         string
	SecretHash string
	CreatedBy  string
	CreatedAt  time.Time
}

type EventLog struct {
	ID        int64
	Event     string
	Metadata  string
	UserID    *string
	CreatedAt time.Time
}
