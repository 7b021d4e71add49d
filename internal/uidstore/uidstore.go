// Package uidstore persists per-mailbox IMAP UID state: the last fully
// processed UID (the fetch cursor) and a bounded set of recently seen UIDs
// that guards against server redeliveries after a reconnect.
package uidstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/pkg/atomicfile"
)

// maxSeenUIDs bounds the persisted seen set. When exceeded, the smallest
// UIDs are dropped first since IMAP UIDs only grow within a mailbox.
const maxSeenUIDs = 1000

var nonWord = regexp.MustCompile(`\W`)

// Sanitize maps a mailbox name to a filesystem-safe fragment.
func Sanitize(mailbox string) string {
	return nonWord.ReplaceAllString(mailbox, "_")
}

type cursorFile struct {
	LastSeenUID uint32 `json:"lastSeenUid"`
}

// Store tracks UID state for a single mailbox and persists every change.
type Store struct {
	mu       sync.Mutex
	mailbox  string
	dir      string
	lastSeen uint32
	seen     map[uint32]bool
}

// Open loads (or initializes) the UID state for a mailbox. Missing files
// start the store empty; unreadable files are treated the same way so a
// corrupted state file never blocks mail processing.
func Open(dir, mailbox string) *Store {
	s := &Store{
		mailbox: mailbox,
		dir:     dir,
		seen:    make(map[uint32]bool),
	}

	var cf cursorFile
	if err := atomicfile.ReadJSON(s.cursorPath(), &cf); err == nil {
		s.lastSeen = cf.LastSeenUID
	} else if !errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{"mailbox": mailbox, "error": err}).
			Warn("uidstore: cursor file unreadable, starting from zero")
	}

	var uids []uint32
	if err := atomicfile.ReadJSON(s.seenPath(), &uids); err == nil {
		for _, uid := range uids {
			s.seen[uid] = true
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{"mailbox": mailbox, "error": err}).
			Warn("uidstore: seen file unreadable, starting empty")
	}

	return s
}

func (s *Store) cursorPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("uidStore_%s.json", Sanitize(s.mailbox)))
}

func (s *Store) seenPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("seenUids_%s.json", Sanitize(s.mailbox)))
}

// LastSeen returns the persisted fetch cursor.
func (s *Store) LastSeen() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SetLastSeen advances the fetch cursor and persists it. The cursor never
// moves backwards.
func (s *Store) SetLastSeen(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uid <= s.lastSeen {
		return
	}
	s.lastSeen = uid
	if err := atomicfile.WriteJSON(s.cursorPath(), cursorFile{LastSeenUID: uid}); err != nil {
		log.WithFields(log.Fields{"mailbox": s.mailbox, "error": err}).
			Error("uidstore: persisting cursor failed")
	}
}

// Seen reports whether the UID was already processed.
func (s *Store) Seen(uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[uid]
}

// MarkSeen records a processed UID and persists the set, evicting the
// smallest UIDs once the set outgrows its cap.
func (s *Store) MarkSeen(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[uid] {
		return
	}
	s.seen[uid] = true

	uids := make([]uint32, 0, len(s.seen))
	for u := range s.seen {
		uids = append(uids, u)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if len(uids) > maxSeenUIDs {
		for _, old := range uids[:len(uids)-maxSeenUIDs] {
			delete(s.seen, old)
		}
		uids = uids[len(uids)-maxSeenUIDs:]
	}

	if err := atomicfile.WriteJSON(s.seenPath(), uids); err != nil {
		log.WithFields(log.Fields{"mailbox": s.mailbox, "error": err}).
			Error("uidstore: persisting seen set failed")
	}
}

// SeenCount returns the number of UIDs currently tracked.
func (s *Store) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
