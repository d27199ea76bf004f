package state

// Action is the closed set of state transitions. Each variant carries its
// payload as typed fields; the reducer switches over the concrete types.
type Action interface {
	isAction()
}

// news slice actions

// NewsLoading marks the news slice as fetching
type NewsLoading struct{}

// NewsLoaded replaces the article list with a fresh fetch result
type NewsLoaded struct {
	Items []NewsRecord
}

// NewsFailed records a fetch failure
type NewsFailed struct {
	Err string
}

// NewsSelected sets the current article; ignored if the id is unknown
type NewsSelected struct {
	ID string
}

// NewsCleared drops all articles, the category index and the selection
type NewsCleared struct{}

// comments slice actions

// CommentsLoading marks the comments slice as fetching
type CommentsLoading struct{}

// CommentsLoaded replaces the comment list
type CommentsLoaded struct {
	Items []CommentRecord
}

// CommentsFailed records a comments fetch failure
type CommentsFailed struct {
	Err string
}

// CommentAdded appends a single comment (optimistic post)
type CommentAdded struct {
	Comment CommentRecord
}

// CommentRemoved drops a comment by id
type CommentRemoved struct {
	ID string
}

// ui slice actions

// ThemeSet switches the color theme
type ThemeSet struct {
	Theme string
}

// SidebarToggled flips the sidebar flag
type SidebarToggled struct{}

// ModalOpened opens a named modal, replacing any open one
type ModalOpened struct {
	Name string
}

// ModalClosed closes the modal
type ModalClosed struct{}

// NotificationPushed appends a notification
type NotificationPushed struct {
	Notification Notification
}

// NotificationDismissed removes a notification by id
type NotificationDismissed struct {
	ID string
}

// SearchSet updates the search query
type SearchSet struct {
	Query string
}

// user slice actions

// PreferenceSet stores a single user preference
type PreferenceSet struct {
	Key   string
	Value string
}

// SessionStarted records an authenticated session
type SessionStarted struct {
	SessionID   string
	Permissions []string
}

// SignedOut drops session, permissions and authentication flag
type SignedOut struct{}

// performance slice actions

// NetworkChanged records an online/offline transition
type NetworkChanged struct {
	Status NetworkStatus
}

// CacheStatsUpdated snapshots async-layer cache counters
type CacheStatsUpdated struct {
	Hits   int64
	Misses int64
}

// global actions

// Hydrate shallow-merges the persisted subset into the tree; only fields
// present in the payload are overwritten
type Hydrate struct {
	Persisted Persisted
}

// Reset returns the tree to the canonical initial state
type Reset struct{}

func (NewsLoading) isAction()           {}
func (NewsLoaded) isAction()            {}
func (NewsFailed) isAction()            {}
func (NewsSelected) isAction()          {}
func (NewsCleared) isAction()           {}
func (CommentsLoading) isAction()       {}
func (CommentsLoaded) isAction()        {}
func (CommentsFailed) isAction()        {}
func (CommentAdded) isAction()          {}
func (CommentRemoved) isAction()        {}
func (ThemeSet) isAction()              {}
func (SidebarToggled) isAction()        {}
func (ModalOpened) isAction()           {}
func (ModalClosed) isAction()           {}
func (NotificationPushed) isAction()    {}
func (NotificationDismissed) isAction() {}
func (SearchSet) isAction()             {}
func (PreferenceSet) isAction()         {}
func (SessionStarted) isAction()        {}
func (SignedOut) isAction()             {}
func (NetworkChanged) isAction()        {}
func (CacheStatsUpdated) isAction()     {}
func (Hydrate) isAction()               {}
func (Reset) isAction()                 {}
