// Package store persists account entities, channel registrations and access
// entries with gorm, and keeps them current by listening to network hooks.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/presbrey/ircservices/services"
)

// Store reads and writes services state through a gorm connection.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Counts reports what Load restored.
type Counts struct {
	Entities int
	Policies int
	Entries  int
	Skipped  int
}

// New migrates the schema and returns a store backed by db.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&EntityRecord{}, &PolicyRecord{}, &AccessRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, log: logger.With("component", "store")}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SaveEntity inserts or updates an entity.
func (s *Store) SaveEntity(ctx context.Context, e services.Entity) error {
	rec := entityRecord(e)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// DeleteEntity removes an entity and every entry it holds.
func (s *Store) DeleteEntity(ctx context.Context, id services.EntityID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entity = ?", string(id)).Delete(&AccessRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&EntityRecord{ID: string(id)}).Error
	})
}

// SavePolicy inserts or updates a channel registration. Transient flags are
// not stored.
func (s *Store) SavePolicy(ctx context.Context, p *services.ChannelPolicy) error {
	rec := policyRecord(p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// DeletePolicy removes a registration and its access entries.
func (s *Store) DeletePolicy(ctx context.Context, channel string) error {
	key := services.Fold(channel)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel = ?", key).Delete(&AccessRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&PolicyRecord{ChannelKey: key}).Error
	})
}

// SaveAccess writes an access entry, or deletes it when its level is zero.
func (s *Store) SaveAccess(ctx context.Context, e services.AccessEntry) error {
	rec := accessRecord(e)
	db := s.db.WithContext(ctx)
	if e.Level == 0 {
		return db.Where("channel = ? AND entity = ? AND mask_key = ?", rec.Channel, rec.Entity, rec.MaskKey).
			Delete(&AccessRecord{}).Error
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel"}, {Name: "entity"}, {Name: "mask_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"channel_name", "mask", "level", "modified", "setter"}),
	}).Create(&rec).Error
}

// Load restores everything stored into n. Entries the ledger refuses, for
// example over its per-channel cap, are logged and skipped. Call Load before
// Attach so restored entries are not written back.
func (s *Store) Load(ctx context.Context, n *services.Network) (Counts, error) {
	var counts Counts
	db := s.db.WithContext(ctx)

	var entities []EntityRecord
	if err := db.Order("registered").Find(&entities).Error; err != nil {
		return counts, fmt.Errorf("load entities: %w", err)
	}
	for _, r := range entities {
		n.LoadEntity(r.entity())
	}
	counts.Entities = len(entities)

	var policies []PolicyRecord
	if err := db.Order("channel_key").Find(&policies).Error; err != nil {
		return counts, fmt.Errorf("load channels: %w", err)
	}
	for _, r := range policies {
		n.LoadPolicy(r.policy())
	}
	counts.Policies = len(policies)

	var entries []AccessRecord
	if err := db.Order("id").Find(&entries).Error; err != nil {
		return counts, fmt.Errorf("load access: %w", err)
	}
	for _, r := range entries {
		if r.Level == 0 {
			continue
		}
		_, err := n.Ledger.Add(r.ChannelName, r.subject(), services.CapabilitySet(r.Level), r.Modified, services.EntityID(r.Setter))
		if err != nil {
			s.log.Warn("access entry not restored", "channel", r.ChannelName, "subject", r.subject().String(), "error", err)
			counts.Skipped++
			continue
		}
		counts.Entries++
	}

	s.log.Info("state loaded", "entities", counts.Entities, "channels", counts.Policies, "entries", counts.Entries, "skipped", counts.Skipped)
	return counts, nil
}

// Attach registers hooks that write every later change through to the
// database. Failures are returned to the hook registry, which logs them.
func (s *Store) Attach(ctx context.Context, hooks *services.Hooks) {
	hooks.AccessChanged.Register(func(e services.AccessEntry) error {
		return s.SaveAccess(ctx, e)
	})
	hooks.PolicyChanged.Register(func(p *services.ChannelPolicy) error {
		return s.SavePolicy(ctx, p)
	})
	hooks.PolicyDropped.Register(func(name string) error {
		return s.DeletePolicy(ctx, name)
	})
	hooks.EntityRegistered.Register(func(e services.Entity) error {
		return s.SaveEntity(ctx, e)
	})
	hooks.EntityDropped.Register(func(id services.EntityID) error {
		return s.DeleteEntity(ctx, id)
	})
}
