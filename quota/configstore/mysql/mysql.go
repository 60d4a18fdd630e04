// Copyright 2025 WeAutoTools Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mysql implements configstore.Store on MySQL. The schema lives in
// schema/configstore.sql.
package mysql

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"sync"

	"github.com/flyer-me/weautotools/quota"
	"github.com/flyer-me/weautotools/quota/configstore"
	"github.com/flyer-me/weautotools/util/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	// Load MySQL driver
	_ "github.com/go-sql-driver/mysql"
)

// StoreName identifies the MySQL config store implementation.
const StoreName = "mysql"

var (
	mySQLURI = flag.String("mysql_uri", "test:zaphod@tcp(127.0.0.1:3306)/weautotools", "Connection URI for the MySQL database")
	maxConns = flag.Int("mysql_max_conns", 0, "Maximum connections to the database")
	maxIdle  = flag.Int("mysql_max_idle_conns", -1, "Maximum idle database connections in the connection pool")

	mysqlMu  sync.Mutex
	mysqlErr error
	mysqlDB  *sql.DB
)

func init() {
	if err := configstore.RegisterProvider(StoreName, func(context.Context) (configstore.Store, error) {
		db, err := GetDatabase()
		if err != nil {
			return nil, err
		}
		klog.Info("Using MySQL config store")
		return New(db), nil
	}); err != nil {
		klog.Fatalf("Failed to register config store %v: %v", StoreName, err)
	}
}

// GetDatabase returns the shared MySQL handle configured by flags, opening
// it on first use.
func GetDatabase() (*sql.DB, error) {
	mysqlMu.Lock()
	defer mysqlMu.Unlock()
	if mysqlDB != nil || mysqlErr != nil {
		return mysqlDB, mysqlErr
	}
	db, err := sql.Open("mysql", *mySQLURI)
	if err != nil {
		mysqlErr = err
		return nil, err
	}
	if *maxConns > 0 {
		db.SetMaxOpenConns(*maxConns)
	}
	if *maxIdle >= 0 {
		db.SetMaxIdleConns(*maxIdle)
	}
	mysqlDB = db
	return db, nil
}

const (
	selectConfigColumns = `
		SELECT Id, ScopeKind, Scope, SubjectClass, WindowType, LimitCount, Enabled
		FROM QuotaConfigs`
	selectConfigByID      = selectConfigColumns + " WHERE Id = ? AND Deleted = FALSE"
	selectEnabledConfig   = selectConfigColumns + " WHERE Deleted = FALSE AND Enabled = TRUE AND ScopeKind = ? AND Scope = ? AND SubjectClass = ? AND WindowType = ?"
	selectCollidingConfig = `
		SELECT Id FROM QuotaConfigs
		WHERE Deleted = FALSE AND Enabled = TRUE
			AND ScopeKind = ? AND Scope = ? AND SubjectClass = ? AND WindowType = ? AND Id != ?
		FOR UPDATE`
	insertConfig = `
		INSERT INTO QuotaConfigs
			(ScopeKind, Scope, SubjectClass, WindowType, LimitCount, Enabled, Deleted, CreateTimeMillis, UpdateTimeMillis)
		VALUES (?, ?, ?, ?, ?, ?, FALSE, ?, ?)`
	updateConfig = `
		UPDATE QuotaConfigs
		SET ScopeKind = ?, Scope = ?, SubjectClass = ?, WindowType = ?, LimitCount = ?, Enabled = ?, UpdateTimeMillis = ?
		WHERE Id = ? AND Deleted = FALSE`
	softDeleteConfig = `
		UPDATE QuotaConfigs
		SET Deleted = TRUE, DeleteTimeMillis = ?
		WHERE Id = ? AND Deleted = FALSE`
	insertUsageEvent = `
		INSERT INTO UsageEvents (Subject, SubjectClass, ResourceId, EventTimeMillis, SourceIp)
		VALUES (?, ?, ?, ?, ?)`
)

// Store implements configstore.Store on a MySQL database.
type Store struct {
	db         *sql.DB
	timeSource clock.TimeSource
}

var _ configstore.Store = &Store{}

// New returns a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db, timeSource: clock.System}
}

// FindEnabled implements quota.ConfigSource.FindEnabled.
func (s *Store) FindEnabled(ctx context.Context, kind quota.ScopeKind, scope string, class quota.SubjectClass, w quota.Window) (*quota.Config, error) {
	row := s.db.QueryRowContext(ctx, selectEnabledConfig, kind.String(), scope, class.String(), w.String())
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mysql: reading config for %v/%v/%v/%v failed: %v", kind, scope, class, w, err)
	}
	return cfg, nil
}

// CreateConfig implements configstore.Store.CreateConfig.
func (s *Store) CreateConfig(ctx context.Context, cfg *quota.Config) (*quota.Config, error) {
	if err := configstore.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	var created *quota.Config
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if cfg.Enabled {
			if err := checkCollision(ctx, tx, cfg, 0); err != nil {
				return err
			}
		}
		now := unixMillis(s.timeSource)
		res, err := tx.ExecContext(ctx, insertConfig,
			cfg.ScopeKind.String(), cfg.Scope, cfg.SubjectClass.String(), cfg.Window.String(),
			cfg.Limit, cfg.Enabled, now, now)
		if err != nil {
			return fmt.Errorf("mysql: inserting config failed: %v", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("mysql: reading inserted config ID failed: %v", err)
		}
		stored := *cfg
		stored.ID = id
		created = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateConfig implements configstore.Store.UpdateConfig.
func (s *Store) UpdateConfig(ctx context.Context, id int64, update func(*quota.Config)) (*quota.Config, error) {
	if update == nil {
		return nil, status.Error(codes.Internal, "update function required")
	}
	var updated *quota.Config
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, selectConfigByID+" FOR UPDATE", id)
		cfg, err := scanConfig(row)
		if err == sql.ErrNoRows {
			return status.Errorf(codes.NotFound, "config %v not found", id)
		}
		if err != nil {
			return fmt.Errorf("mysql: reading config %v failed: %v", id, err)
		}
		update(cfg)
		cfg.ID = id
		if err := configstore.ValidateConfig(cfg); err != nil {
			return err
		}
		if cfg.Enabled {
			if err := checkCollision(ctx, tx, cfg, id); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, updateConfig,
			cfg.ScopeKind.String(), cfg.Scope, cfg.SubjectClass.String(), cfg.Window.String(),
			cfg.Limit, cfg.Enabled, unixMillis(s.timeSource), id); err != nil {
			return fmt.Errorf("mysql: updating config %v failed: %v", id, err)
		}
		updated = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteConfig implements configstore.Store.DeleteConfig.
func (s *Store) DeleteConfig(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, softDeleteConfig, unixMillis(s.timeSource), id)
	if err != nil {
		return fmt.Errorf("mysql: deleting config %v failed: %v", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysql: deleting config %v failed: %v", id, err)
	}
	if n == 0 {
		return status.Errorf(codes.NotFound, "config %v not found", id)
	}
	return nil
}

// ListConfigs implements configstore.Store.ListConfigs.
func (s *Store) ListConfigs(ctx context.Context) ([]*quota.Config, error) {
	rows, err := s.db.QueryContext(ctx, selectConfigColumns+" WHERE Deleted = FALSE ORDER BY Id")
	if err != nil {
		return nil, fmt.Errorf("mysql: listing configs failed: %v", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*quota.Config{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("mysql: scanning config failed: %v", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: listing configs failed: %v", err)
	}
	return out, nil
}

// SetEnabled implements configstore.Store.SetEnabled.
func (s *Store) SetEnabled(ctx context.Context, ids []int64, enabled bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := unixMillis(s.timeSource)
		for _, id := range ids {
			row := tx.QueryRowContext(ctx, selectConfigByID+" FOR UPDATE", id)
			cfg, err := scanConfig(row)
			if err == sql.ErrNoRows {
				return status.Errorf(codes.NotFound, "config %v not found", id)
			}
			if err != nil {
				return fmt.Errorf("mysql: reading config %v failed: %v", id, err)
			}
			if enabled && !cfg.Enabled {
				cfg.Enabled = true
				// Earlier members of the batch hold row locks, so an
				// intra-batch collision surfaces here too.
				if err := checkCollision(ctx, tx, cfg, id); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE QuotaConfigs SET Enabled = ?, UpdateTimeMillis = ? WHERE Id = ?",
				enabled, now, id); err != nil {
				return fmt.Errorf("mysql: updating config %v failed: %v", id, err)
			}
		}
		return nil
	})
}

// RecordUsage implements quota.UsageRecorder.RecordUsage.
func (s *Store) RecordUsage(ctx context.Context, ev *quota.UsageEvent) error {
	if _, err := s.db.ExecContext(ctx, insertUsageEvent,
		ev.Subject, ev.SubjectClass.String(), ev.ResourceID, ev.When.UnixMilli(), ev.SourceIP); err != nil {
		return fmt.Errorf("mysql: recording usage event failed: %v", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysql: beginning transaction failed: %v", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			klog.Warningf("mysql: transaction rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mysql: committing transaction failed: %v", err)
	}
	return nil
}

func checkCollision(ctx context.Context, tx *sql.Tx, cfg *quota.Config, id int64) error {
	var other int64
	err := tx.QueryRowContext(ctx, selectCollidingConfig,
		cfg.ScopeKind.String(), cfg.Scope, cfg.SubjectClass.String(), cfg.Window.String(), id).Scan(&other)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mysql: collision check failed: %v", err)
	}
	return status.Errorf(codes.AlreadyExists, "enabled config %v already covers %v", other, cfg.Name())
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row scanner) (*quota.Config, error) {
	var (
		cfg                 quota.Config
		kind, class, window string
	)
	if err := row.Scan(&cfg.ID, &kind, &cfg.Scope, &class, &window, &cfg.Limit, &cfg.Enabled); err != nil {
		return nil, err
	}
	var err error
	if cfg.ScopeKind, err = quota.ParseScopeKind(kind); err != nil {
		return nil, err
	}
	if cfg.SubjectClass, err = quota.ParseSubjectClass(class); err != nil {
		return nil, err
	}
	if cfg.Window, err = quota.ParseWindow(window); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func unixMillis(ts clock.TimeSource) int64 {
	return ts.Now().UnixMilli()
}
