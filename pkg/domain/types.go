package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "New Chat"

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a named, ordered thread of messages. FolderID is a plain
// reference; nothing guarantees the folder still exists.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	FolderID  *string   `json:"folder_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Pinned    bool      `json:"pinned"`
	Archived  bool      `json:"archived"`
	Messages  []Message `json:"messages"`
}

// InFolder reports whether the conversation carries a folder reference.
func (c Conversation) InFolder() bool {
	return c.FolderID != nil && *c.FolderID != ""
}

// Clone returns a copy that shares no mutable state with c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.FolderID != nil {
		id := *c.FolderID
		out.FolderID = &id
	}
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// FolderColors is the fixed palette assigned round-robin to new folders.
var FolderColors = [...]string{
	"#22C55E", // green
	"#3B82F6", // blue
	"#F59E0B", // yellow
	"#EF4444", // red
	"#8B5CF6", // purple
	"#EC4899", // pink
	"#14B8A6", // teal
	"#F97316", // orange
}

type Template struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Circle is a workspace the session is scoped to.
type Circle struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID      string   `json:"id"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Circles []Circle `json:"circles"`
}

// Clone returns a copy with its own circle slice.
func (u User) Clone() User {
	out := u
	out.Circles = make([]Circle, len(u.Circles))
	copy(out.Circles, u.Circles)
	return out
}
