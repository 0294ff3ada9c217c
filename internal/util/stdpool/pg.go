// Copyright 2025 The Konnektr Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package stdpool creates standardized database connection pools.
package stdpool

import (
	"context"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// pingRetryDelay spaces the startup pings while the database boots.
const pingRetryDelay = 10 * time.Second

// OpenStorePool opens a pgx pool for the job and dead-letter stores.
// When waitForStartup is set, connection-refused pings are retried
// until the context is canceled.
func OpenStorePool(
	ctx context.Context, connectString string, waitForStartup bool,
) (*types.StorePool, error) {
	cfg, err := pgxpool.ParseConfig(connectString)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse connection string")
	}
	cfg.ConnConfig.DialFunc = (&net.Dialer{
		KeepAlive: 30 * time.Second,
	}).DialContext

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}

ping:
	if err := pool.Ping(ctx); err != nil {
		if waitForStartup && isStartupError(err) {
			log.WithError(err).Info("waiting for database to become ready")
			select {
			case <-ctx.Done():
				pool.Close()
				return nil, errors.WithStack(ctx.Err())
			case <-time.After(pingRetryDelay):
				goto ping
			}
		}
		pool.Close()
		return nil, errors.Wrap(err, "could not ping the database")
	}

	ret := &types.StorePool{
		Pool: pool,
		PoolInfo: types.PoolInfo{
			ConnectionString: connectString,
		},
	}
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&ret.Version); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not query version")
	}
	log.Infof("connected to %s", ret.Version)
	return ret, nil
}

func isStartupError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
