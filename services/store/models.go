package store

import (
	"strings"
	"time"

	"github.com/presbrey/ircservices/services"
)

// EntityRecord is a persisted account entity.
type EntityRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"uniqueIndex;size:64;not null"`
	Registered time.Time
}

func (EntityRecord) TableName() string { return "entities" }

// ExtLockRecord is one locked extension mode, stored as JSON on its policy.
type ExtLockRecord struct {
	Letter string `json:"letter"`
	Value  string `json:"value,omitempty"`
}

// PolicyRecord is a persisted channel registration.
type PolicyRecord struct {
	ChannelKey string `gorm:"primaryKey;size:200"`
	Name       string `gorm:"size:200;not null"`
	Registered time.Time
	LastUsed   time.Time
	Flags      string `gorm:"size:32"`
	LockOn     int64
	LockOff    int64
	LockLimit  uint32
	LockKey    string          `gorm:"size:64"`
	LockExt    []ExtLockRecord `gorm:"serializer:json"`
	UpdatedAt  time.Time
}

func (PolicyRecord) TableName() string { return "channel_policies" }

// AccessRecord is a persisted access entry. Channel and MaskKey are folded so
// the unique index matches the ledger's own lookups.
type AccessRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Channel     string `gorm:"uniqueIndex:idx_access_subject;size:200;not null"`
	Entity      string `gorm:"uniqueIndex:idx_access_subject;size:36"`
	MaskKey     string `gorm:"uniqueIndex:idx_access_subject;size:255"`
	ChannelName string `gorm:"size:200;not null"`
	Mask        string `gorm:"size:255"`
	Level       uint32
	Modified    time.Time
	Setter      string `gorm:"size:36"`
}

func (AccessRecord) TableName() string { return "access_entries" }

func entityRecord(e services.Entity) EntityRecord {
	return EntityRecord{ID: string(e.ID), Name: e.Name, Registered: e.Registered}
}

func (r EntityRecord) entity() services.Entity {
	return services.Entity{ID: services.EntityID(r.ID), Name: r.Name, Registered: r.Registered}
}

func policyRecord(p *services.ChannelPolicy) PolicyRecord {
	r := PolicyRecord{
		ChannelKey: services.Fold(p.Name),
		Name:       p.Name,
		Registered: p.Registered,
		LastUsed:   p.LastUsed,
		Flags:      p.Flags.String(),
		LockOn:     int64(p.LockOn),
		LockOff:    int64(p.LockOff),
		LockLimit:  p.LockLimit,
		LockKey:    p.LockKey,
	}
	for _, e := range p.LockExt {
		r.LockExt = append(r.LockExt, ExtLockRecord{Letter: string(e.Letter), Value: e.Value})
	}
	return r
}

func (r PolicyRecord) policy() *services.ChannelPolicy {
	p := &services.ChannelPolicy{
		Name:       r.Name,
		Registered: r.Registered,
		LastUsed:   r.LastUsed,
		Flags:      services.ParsePolicyFlags(r.Flags),
		LockOn:     services.ModeSet(r.LockOn),
		LockOff:    services.ModeSet(r.LockOff),
		LockLimit:  r.LockLimit,
		LockKey:    r.LockKey,
	}
	for _, e := range r.LockExt {
		if len(e.Letter) != 1 {
			continue
		}
		p.LockExt = append(p.LockExt, services.ExtLock{Letter: e.Letter[0], Value: e.Value})
	}
	return p
}

func accessRecord(e services.AccessEntry) AccessRecord {
	return AccessRecord{
		Channel:     services.Fold(e.Channel),
		Entity:      string(e.Subject.Entity),
		MaskKey:     strings.ToLower(e.Subject.Mask),
		ChannelName: e.Channel,
		Mask:        e.Subject.Mask,
		Level:       uint32(e.Level),
		Modified:    e.Modified,
		Setter:      string(e.Setter),
	}
}

func (r AccessRecord) subject() services.Subject {
	if r.Entity != "" {
		return services.EntitySubject(services.EntityID(r.Entity))
	}
	return services.MaskSubject(r.Mask)
}
