package approval

import (
	"log/slog"
	"strings"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/store"
)

// Well-known allow-list names.
const (
	ListDM    = "dm"
	ListRooms = "rooms"
)

type allowListDoc struct {
	Version int      `json:"version"`
	Entries []string `json:"entries"`
}

// AllowLists manages named allow-list documents with append-only set
// semantics. Entries are normalized on the way in and on lookup so the
// stored form is stable regardless of how principals were typed.
type AllowLists struct {
	store  *store.Store
	logger *slog.Logger
}

// NewAllowLists creates an allow-list manager backed by st.
func NewAllowLists(st *store.Store, logger *slog.Logger) *AllowLists {
	if logger == nil {
		logger = slog.Default()
	}
	return &AllowLists{
		store:  st,
		logger: logger.With("component", "allowlist"),
	}
}

// Contains reports whether any of the given principal forms is in the list.
func (al *AllowLists) Contains(list string, principals ...string) (bool, error) {
	var doc allowListDoc
	if err := al.store.Load(docName(list), &doc); err != nil {
		return false, err
	}
	for _, p := range principals {
		n := NormalizePrincipal(p)
		if n == "" {
			continue
		}
		for _, e := range doc.Entries {
			if e == n {
				return true, nil
			}
		}
	}
	return false, nil
}

// Add appends the normalized principals to the list. Existing entries are
// no-ops.
func (al *AllowLists) Add(list string, principals ...string) error {
	var doc allowListDoc
	if err := al.store.Load(docName(list), &doc); err != nil {
		return err
	}

	changed := false
	for _, p := range principals {
		n := NormalizePrincipal(p)
		if n == "" {
			continue
		}
		exists := false
		for _, e := range doc.Entries {
			if e == n {
				exists = true
				break
			}
		}
		if !exists {
			doc.Entries = append(doc.Entries, n)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	doc.Version = docVersion
	if err := al.store.Save(docName(list), doc); err != nil {
		return err
	}
	al.logger.Info("allow-list updated", "list", list, "size", len(doc.Entries))
	return nil
}

// Entries returns the current contents of the list.
func (al *AllowLists) Entries(list string) ([]string, error) {
	var doc allowListDoc
	if err := al.store.Load(docName(list), &doc); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

func docName(list string) string {
	return "allowlist-" + list
}

// NormalizePrincipal lowercases and strips a leading "@" so handles, ids and
// room names compare consistently.
func NormalizePrincipal(p string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p), "@"))
}
