package predictgate

import "strings"

// AdminList is the static administrator allow-list. Administrators bypass
// every gate check. The list is small and in-memory, so lookups are never
// cached. Handles match case-insensitively, with or without a leading '@';
// ids are matched exactly.
type AdminList struct {
	ids     map[int64]struct{}
	handles map[string]struct{}
}

func NewAdminList(ids []int64, handles []string) *AdminList {
	l := &AdminList{
		ids:     make(map[int64]struct{}, len(ids)),
		handles: make(map[string]struct{}, len(handles)),
	}
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}
	for _, h := range handles {
		l.handles[normalizeHandle(h)] = struct{}{}
	}
	return l
}

// IsAdmin reports whether the user is on the allow-list, by id first, then
// by handle. An empty handle only matches by id.
func (l *AdminList) IsAdmin(userID int64, handle string) bool {
	if _, ok := l.ids[userID]; ok {
		return true
	}
	if handle == "" {
		return false
	}
	_, ok := l.handles[normalizeHandle(handle)]
	return ok
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(handle, "@"))
}
