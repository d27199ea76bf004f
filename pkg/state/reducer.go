package state

import "time"

// Reduce applies an action to a tree and returns the resulting tree. The
// input is never modified: slices touched by the action are rebuilt, slices
// untouched are shared structurally. Unknown actions return the input
// unchanged, same pointer, so no-op dispatches are cheap to detect.
func Reduce(s *AppState, action Action) *AppState {
	switch a := action.(type) {
	case NewsLoading:
		next := *s
		next.News.Loading = true
		next.News.Error = ""
		return &next

	case NewsLoaded:
		items := dedupeNews(a.Items)
		next := *s
		next.News = NewsState{
			Items:         items,
			Loading:       false,
			LastFetch:     time.Now(),
			CategoryIndex: indexByCategory(items),
		}
		// keep the selection only if the article survived the reload
		if containsNews(next.News.Items, s.News.CurrentID) {
			next.News.CurrentID = s.News.CurrentID
		}
		return &next

	case NewsFailed:
		next := *s
		next.News.Loading = false
		next.News.Error = a.Err
		return &next

	case NewsSelected:
		if !containsNews(s.News.Items, a.ID) {
			return s // selection must reference a loaded article
		}
		next := *s
		next.News.CurrentID = a.ID
		return &next

	case NewsCleared:
		next := *s
		next.News = NewsState{CategoryIndex: map[string][]string{}}
		return &next

	case CommentsLoading:
		next := *s
		next.Comments.Loading = true
		next.Comments.Error = ""
		return &next

	case CommentsLoaded:
		next := *s
		next.Comments = CommentsState{
			Items:     append([]CommentRecord(nil), a.Items...),
			LastFetch: time.Now(),
		}
		return &next

	case CommentsFailed:
		next := *s
		next.Comments.Loading = false
		next.Comments.Error = a.Err
		return &next

	case CommentAdded:
		next := *s
		items := make([]CommentRecord, 0, len(s.Comments.Items)+1)
		items = append(items, s.Comments.Items...)
		items = append(items, a.Comment)
		next.Comments.Items = items
		return &next

	case CommentRemoved:
		next := *s
		items := make([]CommentRecord, 0, len(s.Comments.Items))
		for _, c := range s.Comments.Items {
			if c.ID != a.ID {
				items = append(items, c)
			}
		}
		next.Comments.Items = items
		return &next

	case ThemeSet:
		next := *s
		next.UI.Theme = a.Theme
		return &next

	case SidebarToggled:
		next := *s
		next.UI.SidebarOpen = !s.UI.SidebarOpen
		return &next

	case ModalOpened:
		next := *s
		next.UI.Modal = a.Name
		return &next

	case ModalClosed:
		next := *s
		next.UI.Modal = ""
		return &next

	case NotificationPushed:
		next := *s
		notifications := make([]Notification, 0, len(s.UI.Notifications)+1)
		notifications = append(notifications, s.UI.Notifications...)
		notifications = append(notifications, a.Notification)
		next.UI.Notifications = notifications
		return &next

	case NotificationDismissed:
		next := *s
		notifications := make([]Notification, 0, len(s.UI.Notifications))
		for _, n := range s.UI.Notifications {
			if n.ID != a.ID {
				notifications = append(notifications, n)
			}
		}
		next.UI.Notifications = notifications
		return &next

	case SearchSet:
		next := *s
		next.UI.SearchQuery = a.Query
		return &next

	case PreferenceSet:
		next := *s
		prefs := make(map[string]string, len(s.User.Preferences)+1)
		for k, v := range s.User.Preferences {
			prefs[k] = v
		}
		prefs[a.Key] = a.Value
		next.User.Preferences = prefs
		return &next

	case SessionStarted:
		next := *s
		perms := make(map[string]struct{}, len(a.Permissions))
		for _, p := range a.Permissions {
			perms[p] = struct{}{}
		}
		next.User.SessionID = a.SessionID
		next.User.Authenticated = true
		next.User.Permissions = perms
		return &next

	case SignedOut:
		next := *s
		next.User = UserState{
			Preferences: s.User.Preferences, // preferences survive sign-out
			Permissions: map[string]struct{}{},
		}
		return &next

	case NetworkChanged:
		next := *s
		next.Performance.Network = a.Status
		next.Performance.UpdatedAt = time.Now()
		return &next

	case CacheStatsUpdated:
		next := *s
		next.Performance.CacheHits = a.Hits
		next.Performance.CacheMisses = a.Misses
		next.Performance.UpdatedAt = time.Now()
		return &next

	case Hydrate:
		next := *s
		if a.Persisted.Theme != nil {
			next.UI.Theme = *a.Persisted.Theme
		}
		if a.Persisted.SidebarOpen != nil {
			next.UI.SidebarOpen = *a.Persisted.SidebarOpen
		}
		if a.Persisted.Preferences != nil {
			prefs := make(map[string]string, len(a.Persisted.Preferences))
			for k, v := range a.Persisted.Preferences {
				prefs[k] = v
			}
			next.User.Preferences = prefs
		}
		return &next

	case Reset:
		return Initial()

	default:
		return s
	}
}

// dedupeNews keeps the first occurrence of every id, preserving fetch order
func dedupeNews(items []NewsRecord) []NewsRecord {
	seen := make(map[string]struct{}, len(items))
	result := make([]NewsRecord, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		result = append(result, item)
	}
	return result
}

// indexByCategory builds the category -> ordered ids index
func indexByCategory(items []NewsRecord) map[string][]string {
	index := map[string][]string{}
	for _, item := range items {
		if item.Category == "" {
			continue
		}
		index[item.Category] = append(index[item.Category], item.ID)
	}
	return index
}

func containsNews(items []NewsRecord, id string) bool {
	if id == "" {
		return false
	}
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}
