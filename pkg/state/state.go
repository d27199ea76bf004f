// Package state holds the single application state tree and the reducer that
// is its only mutation path. Every domain slice (news, comments, ui, user,
// performance) lives in the one tree so cross-slice consistency is enforced
// inside the reducer rather than by callers coordinating separate stores.
package state

import "time"

// NetworkStatus represents connectivity as seen by the client
type NetworkStatus string

const (
	NetworkOnline  NetworkStatus = "online"
	NetworkOffline NetworkStatus = "offline"
)

// NewsRecord represents a single article in the portal
type NewsRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Category  string    `json:"category"`
	Summary   string    `json:"summary"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url"`
	Author    string    `json:"author"`
	Published time.Time `json:"published"`
}

// CommentRecord represents a reader comment attached to an article
type CommentRecord struct {
	ID        string    `json:"id"`
	NewsID    string    `json:"news_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a transient UI message
type Notification struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewsState holds the news slice. Items keep fetch order and contain no
// duplicate ids; CurrentID, when set, always references an id in Items.
type NewsState struct {
	Items         []NewsRecord
	CurrentID     string
	Loading       bool
	Error         string
	LastFetch     time.Time
	CategoryIndex map[string][]string // category -> ordered item ids
}

// CommentsState holds the comments slice
type CommentsState struct {
	Items     []CommentRecord
	Loading   bool
	Error     string
	LastFetch time.Time
}

// UIState holds presentation state
type UIState struct {
	Theme         string
	SidebarOpen   bool
	Modal         string
	Notifications []Notification
	Loading       bool
	SearchQuery   string
}

// UserState holds session and preference state. Permissions is a set,
// membership only.
type UserState struct {
	Preferences   map[string]string
	SessionID     string
	Authenticated bool
	Permissions   map[string]struct{}
}

// PerformanceState holds client-side runtime metrics
type PerformanceState struct {
	Network     NetworkStatus
	CacheHits   int64
	CacheMisses int64
	UpdatedAt   time.Time
}

// AppState is the single state tree, one instance per session. Trees handed
// out by the container are never mutated in place: every transition builds a
// new tree sharing unchanged slices with the previous one.
type AppState struct {
	News        NewsState
	Comments    CommentsState
	UI          UIState
	User        UserState
	Performance PerformanceState
}

// Initial returns the canonical empty state
func Initial() *AppState {
	return &AppState{
		News: NewsState{
			CategoryIndex: map[string][]string{},
		},
		UI: UIState{
			Theme: "light",
		},
		User: UserState{
			Preferences: map[string]string{},
			Permissions: map[string]struct{}{},
		},
		Performance: PerformanceState{
			Network: NetworkOnline,
		},
	}
}

// Persisted is the subset of the tree saved across sessions and merged back
// with Hydrate at startup. Nil fields are absent and leave the current value
// untouched.
type Persisted struct {
	Theme       *string           `json:"theme,omitempty"`
	SidebarOpen *bool             `json:"sidebar_open,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// persistedFrom extracts the durable subset of a tree
func persistedFrom(s *AppState) Persisted {
	theme := s.UI.Theme
	sidebar := s.UI.SidebarOpen
	return Persisted{
		Theme:       &theme,
		SidebarOpen: &sidebar,
		Preferences: s.User.Preferences,
	}
}
