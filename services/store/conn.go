package store

import (
	"errors"
	"fmt"
	"sync"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrUnknownDriver is returned for a database driver name that is not built in.
var ErrUnknownDriver = errors.New("unknown database driver")

// Dialector returns the gorm dialector for a driver name: sqlite, postgres or
// mysql. An empty name selects sqlite.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", "sqlite":
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// Connections caches one *gorm.DB per driver and DSN.
type Connections struct {
	mu      sync.Mutex
	conns   map[string]*gorm.DB
	logMode logger.LogLevel
}

// NewConnections creates an empty cache with gorm logging silenced.
func NewConnections() *Connections {
	return &Connections{
		conns:   make(map[string]*gorm.DB),
		logMode: logger.Silent,
	}
}

// WithLogMode sets the gorm logger level used for new connections.
func (c *Connections) WithLogMode(mode logger.LogLevel) *Connections {
	c.logMode = mode
	return c
}

func connKey(driver, dsn string) string {
	if driver == "" {
		driver = "sqlite"
	}
	return driver + "\x00" + dsn
}

// Open returns the cached connection for driver and dsn, opening it on first
// use. Options apply only when the connection is created.
func (c *Connections) Open(driver, dsn string, opts ...gorm.Option) (*gorm.DB, error) {
	key := connKey(driver, dsn)

	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.conns[key]; ok {
		return db, nil
	}

	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	config := &gorm.Config{}
	hasLogger := false
	for _, opt := range opts {
		if cfg, ok := opt.(*gorm.Config); ok && cfg.Logger != nil {
			hasLogger = true
			break
		}
	}
	if !hasLogger {
		if c.logMode == logger.Silent {
			config.Logger = logger.Discard
		} else {
			config.Logger = logger.Default.LogMode(c.logMode)
		}
	}

	db, err := gorm.Open(dialector, append([]gorm.Option{config}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	c.conns[key] = db
	return db, nil
}

// Get returns a cached connection or nil.
func (c *Connections) Get(driver, dsn string) *gorm.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[connKey(driver, dsn)]
}

// Close closes and forgets one connection.
func (c *Connections) Close(driver, dsn string) error {
	key := connKey(driver, dsn)

	c.mu.Lock()
	db := c.conns[key]
	delete(c.conns, key)
	c.mu.Unlock()

	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CloseAll closes every cached connection.
func (c *Connections) CloseAll() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*gorm.DB)
	c.mu.Unlock()

	var errs []error
	for _, db := range conns {
		if sqlDB, err := db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		} else {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
