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

// Package postgresql implements configstore.Store on PostgreSQL via pgx.
// The schema lives in schema/configstore.sql.
package postgresql

import (
	"context"
	"flag"
	"fmt"
	"sync"

	"github.com/flyer-me/weautotools/quota"
	"github.com/flyer-me/weautotools/quota/configstore"
	"github.com/flyer-me/weautotools/util/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// StoreName identifies the PostgreSQL config store implementation.
const StoreName = "postgresql"

var (
	postgreSQLURI = flag.String("postgresql_uri", "postgresql:///weautotools?host=localhost&user=test", "Connection URI for the PostgreSQL database")

	pgMu   sync.Mutex
	pgErr  error
	pgPool *pgxpool.Pool
)

func init() {
	if err := configstore.RegisterProvider(StoreName, func(ctx context.Context) (configstore.Store, error) {
		pool, err := GetDatabase(ctx)
		if err != nil {
			return nil, err
		}
		klog.Info("Using PostgreSQL config store")
		return New(pool), nil
	}); err != nil {
		klog.Fatalf("Failed to register config store %v: %v", StoreName, err)
	}
}

// GetDatabase returns the shared PostgreSQL pool configured by flags,
// opening it on first use.
func GetDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	pgMu.Lock()
	defer pgMu.Unlock()
	if pgPool != nil || pgErr != nil {
		return pgPool, pgErr
	}
	pool, err := pgxpool.New(ctx, *postgreSQLURI)
	if err != nil {
		pgErr = err
		return nil, err
	}
	pgPool = pool
	return pool, nil
}

const (
	selectConfigColumns = `
		SELECT Id, ScopeKind, Scope, SubjectClass, WindowType, LimitCount, Enabled
		FROM QuotaConfigs`
	selectConfigByID      = selectConfigColumns + " WHERE Id = $1 AND NOT Deleted"
	selectEnabledConfig   = selectConfigColumns + " WHERE NOT Deleted AND Enabled AND ScopeKind = $1 AND Scope = $2 AND SubjectClass = $3 AND WindowType = $4"
	selectCollidingConfig = `
		SELECT Id FROM QuotaConfigs
		WHERE NOT Deleted AND Enabled
			AND ScopeKind = $1 AND Scope = $2 AND SubjectClass = $3 AND WindowType = $4 AND Id != $5
		FOR UPDATE`
	insertConfig = `
		INSERT INTO QuotaConfigs
			(ScopeKind, Scope, SubjectClass, WindowType, LimitCount, Enabled, Deleted, CreateTimeMillis, UpdateTimeMillis)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
		RETURNING Id`
	updateConfig = `
		UPDATE QuotaConfigs
		SET ScopeKind = $1, Scope = $2, SubjectClass = $3, WindowType = $4, LimitCount = $5, Enabled = $6, UpdateTimeMillis = $7
		WHERE Id = $8 AND NOT Deleted`
	softDeleteConfig = `
		UPDATE QuotaConfigs
		SET Deleted = TRUE, DeleteTimeMillis = $1
		WHERE Id = $2 AND NOT Deleted`
	insertUsageEvent = `
		INSERT INTO UsageEvents (Subject, SubjectClass, ResourceId, EventTimeMillis, SourceIp)
		VALUES ($1, $2, $3, $4, $5)`
)

// Store implements configstore.Store on a PostgreSQL database.
type Store struct {
	db         *pgxpool.Pool
	timeSource clock.TimeSource
}

var _ configstore.Store = &Store{}

// New returns a Store backed by the given pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db, timeSource: clock.System}
}

// FindEnabled implements quota.ConfigSource.FindEnabled.
func (s *Store) FindEnabled(ctx context.Context, kind quota.ScopeKind, scope string, class quota.SubjectClass, w quota.Window) (*quota.Config, error) {
	row := s.db.QueryRow(ctx, selectEnabledConfig, kind.String(), scope, class.String(), w.String())
	cfg, err := scanConfig(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgresql: reading config for %v/%v/%v/%v failed: %v", kind, scope, class, w, err)
	}
	return cfg, nil
}

// CreateConfig implements configstore.Store.CreateConfig.
func (s *Store) CreateConfig(ctx context.Context, cfg *quota.Config) (*quota.Config, error) {
	if err := configstore.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	var created *quota.Config
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if cfg.Enabled {
			if err := checkCollision(ctx, tx, cfg, 0); err != nil {
				return err
			}
		}
		now := s.timeSource.Now().UnixMilli()
		var id int64
		if err := tx.QueryRow(ctx, insertConfig,
			cfg.ScopeKind.String(), cfg.Scope, cfg.SubjectClass.String(), cfg.Window.String(),
			cfg.Limit, cfg.Enabled, now, now).Scan(&id); err != nil {
			return fmt.Errorf("postgresql: inserting config failed: %v", err)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, selectConfigByID+" FOR UPDATE", id)
		cfg, err := scanConfig(row)
		if err == pgx.ErrNoRows {
			return status.Errorf(codes.NotFound, "config %v not found", id)
		}
		if err != nil {
			return fmt.Errorf("postgresql: reading config %v failed: %v", id, err)
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
		if _, err := tx.Exec(ctx, updateConfig,
			cfg.ScopeKind.String(), cfg.Scope, cfg.SubjectClass.String(), cfg.Window.String(),
			cfg.Limit, cfg.Enabled, s.timeSource.Now().UnixMilli(), id); err != nil {
			return fmt.Errorf("postgresql: updating config %v failed: %v", id, err)
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
	tag, err := s.db.Exec(ctx, softDeleteConfig, s.timeSource.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("postgresql: deleting config %v failed: %v", id, err)
	}
	if tag.RowsAffected() == 0 {
		return status.Errorf(codes.NotFound, "config %v not found", id)
	}
	return nil
}

// ListConfigs implements configstore.Store.ListConfigs.
func (s *Store) ListConfigs(ctx context.Context) ([]*quota.Config, error) {
	rows, err := s.db.Query(ctx, selectConfigColumns+" WHERE NOT Deleted ORDER BY Id")
	if err != nil {
		return nil, fmt.Errorf("postgresql: listing configs failed: %v", err)
	}
	defer rows.Close()

	out := []*quota.Config{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("postgresql: scanning config failed: %v", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgresql: listing configs failed: %v", err)
	}
	return out, nil
}

// SetEnabled implements configstore.Store.SetEnabled.
func (s *Store) SetEnabled(ctx context.Context, ids []int64, enabled bool) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.timeSource.Now().UnixMilli()
		for _, id := range ids {
			row := tx.QueryRow(ctx, selectConfigByID+" FOR UPDATE", id)
			cfg, err := scanConfig(row)
			if err == pgx.ErrNoRows {
				return status.Errorf(codes.NotFound, "config %v not found", id)
			}
			if err != nil {
				return fmt.Errorf("postgresql: reading config %v failed: %v", id, err)
			}
			if enabled && !cfg.Enabled {
				cfg.Enabled = true
				if err := checkCollision(ctx, tx, cfg, id); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx,
				"UPDATE QuotaConfigs SET Enabled = $1, UpdateTimeMillis = $2 WHERE Id = $3",
				enabled, now, id); err != nil {
				return fmt.Errorf("postgresql: updating config %v failed: %v", id, err)
			}
		}
		return nil
	})
}

// RecordUsage implements quota.UsageRecorder.RecordUsage.
func (s *Store) RecordUsage(ctx context.Context, ev *quota.UsageEvent) error {
	if _, err := s.db.Exec(ctx, insertUsageEvent,
		ev.Subject, ev.SubjectClass.String(), ev.ResourceID, ev.When.UnixMilli(), ev.SourceIP); err != nil {
		return fmt.Errorf("postgresql: recording usage event failed: %v", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgresql: beginning transaction failed: %v", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			klog.Warningf("postgresql: transaction rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgresql: committing transaction failed: %v", err)
	}
	return nil
}

func checkCollision(ctx context.Context, tx pgx.Tx, cfg *quota.Config, id int64) error {
	var other int64
	err := tx.QueryRow(ctx, selectCollidingConfig,
		cfg.ScopeKind.String(), cfg.Scope, cfg.SubjectClass.String(), cfg.Window.String(), id).Scan(&other)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("postgresql: collision check failed: %v", err)
	}
	return status.Errorf(codes.AlreadyExists, "enabled config %v already covers %v", other, cfg.Name())
}

// scanner covers both pgx.Row and pgx.Rows.
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
