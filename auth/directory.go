// Copyright 2026 The pushgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushgate/events"
	"github.com/alwitt/pushgate/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker/v2"
)

// Directory answers who a user is and what they own
type Directory interface {
	// CheckUser nil if the user exists and is active. Otherwise ErrUnknownUser,
	// ErrInactiveUser, or an error wrapping ErrDirectoryUnavailable.
	CheckUser(ctxt context.Context, userID string) error
	// OwnsResource whether the user owns the resource behind a topic
	OwnsResource(ctxt context.Context, userID string, topic events.Topic) (bool, error)
}

// ========================================================================================

// openDirectory a Directory granting everything
type openDirectory struct{}

// GetOpenDirectory define a Directory that treats every user as active and as
// the owner of every resource
func GetOpenDirectory() Directory {
	return openDirectory{}
}

func (openDirectory) CheckUser(context.Context, string) error {
	return nil
}

func (openDirectory) OwnsResource(context.Context, string, events.Topic) (bool, error) {
	return true, nil
}

// ========================================================================================

// Querier the part of a Postgres connection pool the directory queries through
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DirectoryParams Postgres directory parameters
type DirectoryParams struct {
	// QueryTimeout bounds each lookup
	QueryTimeout time.Duration
	// BreakerFailures consecutive lookup failures that open the breaker
	BreakerFailures uint32
	// BreakerCooldown time the breaker stays open before probing again
	BreakerCooldown time.Duration
}

const (
	lookupUser      = "user"
	lookupOwnership = "ownership"

	sqlUserActive = "SELECT is_active FROM users WHERE user_uuid = $1"
)

var sqlOwnership = map[string]string{
	events.FileClass.Name:  "SELECT EXISTS (SELECT 1 FROM files WHERE file_uuid = $1 AND user_uuid = $2)",
	events.QueryClass.Name: "SELECT EXISTS (SELECT 1 FROM queries WHERE query_uuid = $1 AND user_uuid = $2)",
}

// postgresDirectory implements Directory over the application database
type postgresDirectory struct {
	goutils.Component
	db      Querier
	breaker *gobreaker.CircuitBreaker[bool]
	params  DirectoryParams
}

// ConnectPostgres open a connection pool and verify the database answers
func ConnectPostgres(ctxt context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid directory DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctxt, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to open directory pool: %w", err)
	}
	if err := pool.Ping(ctxt); err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory database unreachable: %w", err)
	}
	return pool, nil
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// GetPostgresDirectory define a Directory backed by the users, files and
// queries tables. Every lookup runs through a circuit breaker.
func GetPostgresDirectory(db Querier, params DirectoryParams) (Directory, error) {
	if params.QueryTimeout <= 0 {
		return nil, fmt.Errorf("directory query timeout must be positive")
	}
	if params.BreakerFailures == 0 {
		return nil, fmt.Errorf("directory breaker failure threshold must be positive")
	}
	logTags := log.Fields{"module": "auth", "component": "user-directory"}
	metrics.DirectoryBreakerState.Set(0)
	breaker := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "user-directory",
		MaxRequests: 1,
		Timeout:     params.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= params.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logTags).Warnf("Breaker %s: %s -> %s", name, from, to)
			metrics.DirectoryBreakerState.Set(breakerStateValue(to))
		},
		// An unknown user is an answer, not a database failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnknownUser)
		},
	})
	return &postgresDirectory{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:      db,
		breaker: breaker,
		params:  params,
	}, nil
}

// lookup run one query through the breaker
func (d *postgresDirectory) lookup(
	ctxt context.Context, kind string, query func(context.Context) (bool, error),
) (bool, error) {
	result, err := d.breaker.Execute(func() (bool, error) {
		lookupCtxt, cancel := context.WithTimeout(ctxt, d.params.QueryTimeout)
		defer cancel()
		return query(lookupCtxt)
	})
	switch {
	case err == nil:
		metrics.DirectoryLookupsTotal.WithLabelValues(kind, metrics.OutcomeAccepted).Inc()
		return result, nil
	case errors.Is(err, ErrUnknownUser):
		metrics.DirectoryLookupsTotal.WithLabelValues(kind, metrics.OutcomeAccepted).Inc()
		return false, err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.DirectoryLookupsTotal.WithLabelValues(kind, metrics.OutcomeRejected).Inc()
	default:
		metrics.DirectoryLookupsTotal.WithLabelValues(kind, metrics.OutcomeError).Inc()
	}
	log.WithError(err).WithFields(d.GetLogTagsForContext(ctxt)).Errorf("Directory %s lookup failed", kind)
	return false, fmt.Errorf("%w: %s", ErrDirectoryUnavailable, err.Error())
}

// CheckUser nil if the user exists and is active
func (d *postgresDirectory) CheckUser(ctxt context.Context, userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return ErrUnknownUser
	}
	active, err := d.lookup(ctxt, lookupUser, func(qCtxt context.Context) (bool, error) {
		var active bool
		err := d.db.QueryRow(qCtxt, sqlUserActive, userID).Scan(&active)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUnknownUser
		}
		return active, err
	})
	if err != nil {
		return err
	}
	if !active {
		return ErrInactiveUser
	}
	return nil
}

// OwnsResource whether the user owns the resource behind a topic
func (d *postgresDirectory) OwnsResource(
	ctxt context.Context, userID string, topic events.Topic,
) (bool, error) {
	query, ok := sqlOwnership[topic.Class().Name]
	if !ok {
		return false, fmt.Errorf("%w: no ownership table for '%s'", events.ErrInvalidTopic, topic)
	}
	// Resource and user ids are UUID columns; anything else can not match
	if _, err := uuid.Parse(topic.ResourceID()); err != nil {
		return false, nil
	}
	if _, err := uuid.Parse(userID); err != nil {
		return false, nil
	}
	return d.lookup(ctxt, lookupOwnership, func(qCtxt context.Context) (bool, error) {
		var owned bool
		err := d.db.QueryRow(qCtxt, query, topic.ResourceID(), userID).Scan(&owned)
		return owned, err
	})
}
