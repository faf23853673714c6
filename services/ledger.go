package services

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Ledger errors
var (
	ErrPrivilegeEscalation = errors.New("privilege escalation")
	ErrEntryExists         = errors.New("access entry already exists")
	ErrLedgerFull          = errors.New("access list is full")
	ErrInvalidSubject      = errors.New("exactly one of entity or hostmask must be given")
	ErrNoSuchEntry         = errors.New("no such access entry")
)

// EntityID identifies an account entity.
type EntityID string

// EntryID identifies an access entry in the ledger arena.
type EntryID uint64

// Subject is the holder of an access entry: an account entity or a literal
// hostmask, never both.
type Subject struct {
	Entity EntityID
	Mask   string
}

// EntitySubject returns a subject for an account entity.
func EntitySubject(id EntityID) Subject { return Subject{Entity: id} }

// MaskSubject returns a subject for a hostmask.
func MaskSubject(mask string) Subject { return Subject{Mask: mask} }

func (s Subject) valid() bool {
	return (s.Entity != "") != (s.Mask != "")
}

// IsEntity reports whether the subject is an account entity.
func (s Subject) IsEntity() bool { return s.Entity != "" }

func (s Subject) String() string {
	if s.Entity != "" {
		return string(s.Entity)
	}
	return s.Mask
}

func (s Subject) matches(o Subject) bool {
	if s.Entity != "" {
		return s.Entity == o.Entity
	}
	return o.Entity == "" && strings.EqualFold(s.Mask, o.Mask)
}

// Identity is what the ledger knows about a user when resolving effective
// flags: the logged-in entity, if any, and every host representation.
type Identity struct {
	Entity EntityID
	Hosts  []string
}

// AccessEntry maps a subject to a capability level on one channel.
type AccessEntry struct {
	ID       EntryID
	Channel  string
	Subject  Subject
	Level    CapabilitySet
	Modified time.Time
	Setter   EntityID
}

// Ledger holds every channel's access entries. Entries live in a single arena
// and are referenced by id from a per-channel and a per-entity index.
type Ledger struct {
	// MaxEntries caps the entries per channel; zero means no limit.
	MaxEntries int
	// Now supplies timestamps; tests replace it.
	Now func() time.Time
	// OnChange, if set, is called after an entry is created, modified or
	// removed. A removed entry is passed with Level 0.
	OnChange func(e AccessEntry)

	log       *slog.Logger
	arena     map[EntryID]*AccessEntry
	byChannel map[string][]EntryID
	byEntity  map[EntityID][]EntryID
	nextID    EntryID
}

// NewLedger creates an empty ledger.
func NewLedger(logger *slog.Logger, maxEntries int) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		MaxEntries: maxEntries,
		Now:        time.Now,
		log:        logger.With("component", "ledger"),
		arena:      make(map[EntryID]*AccessEntry),
		byChannel:  make(map[string][]EntryID),
		byEntity:   make(map[EntityID][]EntryID),
	}
}

// Len returns the number of entries across all channels.
func (l *Ledger) Len() int {
	return len(l.arena)
}

// Get returns the entry with the given id.
func (l *Ledger) Get(id EntryID) (*AccessEntry, bool) {
	e, ok := l.arena[id]
	return e, ok
}

// Add creates an entry with an explicit level. It fails if the subject already
// has an entry on the channel; callers use Change for that.
func (l *Ledger) Add(channel string, subject Subject, level CapabilitySet, ts time.Time, setter EntityID) (*AccessEntry, error) {
	if !subject.valid() {
		return nil, ErrInvalidSubject
	}
	if l.find(channel, subject) != nil {
		return nil, fmt.Errorf("%s on %s: %w", subject, channel, ErrEntryExists)
	}
	return l.insert(channel, subject, level.Normalize(), ts, setter)
}

func (l *Ledger) insert(channel string, subject Subject, level CapabilitySet, ts time.Time, setter EntityID) (*AccessEntry, error) {
	key := Fold(channel)
	if l.MaxEntries > 0 && len(l.byChannel[key]) >= l.MaxEntries {
		return nil, fmt.Errorf("%s: %w (%d entries)", channel, ErrLedgerFull, l.MaxEntries)
	}

	l.nextID++
	e := &AccessEntry{
		ID:       l.nextID,
		Channel:  channel,
		Subject:  subject,
		Level:    level,
		Modified: ts,
		Setter:   setter,
	}
	l.arena[e.ID] = e
	l.byChannel[key] = append(l.byChannel[key], e.ID)
	if subject.Entity != "" {
		l.byEntity[subject.Entity] = append(l.byEntity[subject.Entity], e.ID)
	}

	l.log.Debug("access entry added", "channel", channel, "subject", subject.String(), "level", level.String())
	l.notify(e)
	return e, nil
}

// Open finds the exact entry for subject, creating a zero-level placeholder
// when create is set. A placeholder that is never granted anything is
// collected by the next Change or by Close.
func (l *Ledger) Open(channel string, subject Subject, create bool, setter EntityID) (*AccessEntry, error) {
	if !subject.valid() {
		return nil, ErrInvalidSubject
	}
	if e := l.find(channel, subject); e != nil {
		return e, nil
	}
	if !create {
		return nil, ErrNoSuchEntry
	}
	return l.insert(channel, subject, 0, l.Now(), setter)
}

// Close removes e if it holds no privileges.
func (l *Ledger) Close(e *AccessEntry) {
	if e != nil && e.Level == 0 {
		l.Delete(e.ID)
	}
}

// Find returns the entry exactly matching subject. When required is non-zero
// the entry must hold all of its bits.
func (l *Ledger) Find(channel string, subject Subject, required CapabilitySet) *AccessEntry {
	if !subject.valid() {
		return nil
	}
	e := l.find(channel, subject)
	if e == nil || !e.Level.Has(required) {
		return nil
	}
	return e
}

func (l *Ledger) find(channel string, subject Subject) *AccessEntry {
	for _, id := range l.byChannel[Fold(channel)] {
		if e := l.arena[id]; e.Subject.matches(subject) {
			return e
		}
	}
	return nil
}

// Change adds and removes privileges on the subject's entry, restricted to the
// bits in restrict. It returns the bits actually added and removed. The call is
// rejected without mutation if it would touch a bit outside restrict or if the
// entry already holds a bit outside restrict.
func (l *Ledger) Change(channel string, subject Subject, add, remove, restrict CapabilitySet, setter EntityID) (CapabilitySet, CapabilitySet, error) {
	if !subject.valid() {
		return 0, 0, ErrInvalidSubject
	}
	add &= CapAll
	remove &= CapAll

	e := l.find(channel, subject)
	if e == nil {
		if add == 0 {
			return 0, 0, nil
		}
		level := add.Normalize()
		if level&^restrict != 0 {
			return 0, 0, fmt.Errorf("%s on %s: adding %s: %w", subject, channel, (level &^ restrict).String(), ErrPrivilegeEscalation)
		}
		e, err := l.insert(channel, subject, level, l.Now(), setter)
		if err != nil {
			return 0, 0, err
		}
		return e.Level, 0, nil
	}

	add &^= e.Level
	remove &= e.Level &^ add
	if add|remove == 0 {
		l.Close(e)
		return 0, 0, nil
	}
	// founder drags flags along, so the restriction applies to the
	// normalised result
	level := ((e.Level | add) &^ remove).Normalize()
	if diff := (add | remove | (level ^ e.Level)) &^ restrict; diff != 0 {
		return 0, 0, fmt.Errorf("%s on %s: changing %s: %w", subject, channel, diff.String(), ErrPrivilegeEscalation)
	}
	if e.Level&^restrict != 0 {
		return 0, 0, fmt.Errorf("%s on %s: target holds %s: %w", subject, channel, (e.Level &^ restrict).String(), ErrPrivilegeEscalation)
	}
	if level == e.Level {
		l.Close(e)
		return 0, 0, nil
	}

	old := e.Level
	e.Level = level
	e.Modified = l.Now()
	e.Setter = setter

	if e.Level == 0 {
		l.Delete(e.ID)
	} else {
		l.log.Debug("access entry changed", "channel", channel, "subject", subject.String(), "level", e.Level.String())
		l.notify(e)
	}
	return e.Level &^ old, old &^ e.Level, nil
}

// EffectiveFlags unions the entity entry of who with every hostmask entry that
// matches one of who's host representations.
func (l *Ledger) EffectiveFlags(channel string, who Identity) CapabilitySet {
	var result CapabilitySet
	for _, id := range l.byChannel[Fold(channel)] {
		e := l.arena[id]
		if e.Subject.Entity != "" {
			if e.Subject.Entity == who.Entity {
				result |= e.Level
			}
			continue
		}
		for _, host := range who.Hosts {
			if MatchMask(e.Subject.Mask, host) {
				result |= e.Level
				break
			}
		}
	}
	return result
}

// Entries returns the channel's entries in insertion order.
func (l *Ledger) Entries(channel string) []*AccessEntry {
	ids := l.byChannel[Fold(channel)]
	out := make([]*AccessEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.arena[id])
	}
	return out
}

// EntityEntries returns every entry held by an entity, across channels.
func (l *Ledger) EntityEntries(entity EntityID) []*AccessEntry {
	ids := l.byEntity[entity]
	out := make([]*AccessEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.arena[id])
	}
	return out
}

// Channels returns the names of channels that hold at least one entry.
func (l *Ledger) Channels() []string {
	out := make([]string, 0, len(l.byChannel))
	for _, ids := range l.byChannel {
		if len(ids) > 0 {
			out = append(out, l.arena[ids[0]].Channel)
		}
	}
	slices.Sort(out)
	return out
}

// Delete unlinks an entry from both indices and frees its slot.
func (l *Ledger) Delete(id EntryID) bool {
	e, ok := l.arena[id]
	if !ok {
		return false
	}

	key := Fold(e.Channel)
	l.byChannel[key] = removeID(l.byChannel[key], id)
	if len(l.byChannel[key]) == 0 {
		delete(l.byChannel, key)
	}
	if e.Subject.Entity != "" {
		l.byEntity[e.Subject.Entity] = removeID(l.byEntity[e.Subject.Entity], id)
		if len(l.byEntity[e.Subject.Entity]) == 0 {
			delete(l.byEntity, e.Subject.Entity)
		}
	}
	delete(l.arena, id)

	l.log.Debug("access entry removed", "channel", e.Channel, "subject", e.Subject.String())
	removed := *e
	removed.Level = 0
	l.notifyValue(removed)
	return true
}

// DropChannel removes every entry on a channel.
func (l *Ledger) DropChannel(channel string) int {
	ids := slices.Clone(l.byChannel[Fold(channel)])
	for _, id := range ids {
		l.Delete(id)
	}
	return len(ids)
}

// DropEntity removes every entry held by an entity.
func (l *Ledger) DropEntity(entity EntityID) int {
	ids := slices.Clone(l.byEntity[entity])
	for _, id := range ids {
		l.Delete(id)
	}
	return len(ids)
}

func (l *Ledger) notify(e *AccessEntry) {
	l.notifyValue(*e)
}

func (l *Ledger) notifyValue(e AccessEntry) {
	if l.OnChange != nil {
		l.OnChange(e)
	}
}

func removeID(ids []EntryID, id EntryID) []EntryID {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}
