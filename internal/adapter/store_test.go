//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package adapter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/cdromd/internal/adapter"
	"github.com/alexandremahdhaoui/cdromd/internal/util/fakes/storefake"
	"github.com/alexandremahdhaoui/cdromd/pkg/xenstore"
)

func TestStore(t *testing.T) {
	var (
		ctx     context.Context
		backend *storefake.Fake
		store   adapter.Store
	)

	setup := func(t *testing.T) {
		t.Helper()

		ctx = context.Background()
		backend = storefake.New()
		store = adapter.NewStore(backend, testr.New(t))
	}

	t.Run("Read", func(t *testing.T) {
		t.Run("Success", func(t *testing.T) {
			setup(t)
			backend.Set("/local/domain/3/name", "guest")

			v, err := store.Read(ctx, "/local/domain/3/name")
			require.NoError(t, err)
			assert.Equal(t, "guest", v)
		})

		t.Run("NotFound", func(t *testing.T) {
			setup(t)

			_, err := store.Read(ctx, "/local/domain/3/name")
			assert.ErrorIs(t, err, xenstore.ErrNotFound)
		})
	})

	t.Run("Directory", func(t *testing.T) {
		setup(t)
		backend.Set("/a/10/x", "")
		backend.Set("/a/9/x", "")
		backend.Set("/a/768/x", "")

		entries, err := store.Directory(ctx, "/a")
		require.NoError(t, err)
		assert.Equal(t, []string{"9", "10", "768"}, entries)
	})

	t.Run("Transact", func(t *testing.T) {
		t.Run("Commit", func(t *testing.T) {
			setup(t)

			err := store.Transact(ctx, func(tx adapter.Txn) error {
				if err := tx.Write("/a/b", "1"); err != nil {
					return err
				}
				return tx.SetPermissions("/a/b", xenstore.Permission{DomID: 0, Access: xenstore.AccessNone})
			})
			require.NoError(t, err)

			v, ok := backend.Get("/a/b")
			assert.True(t, ok)
			assert.Equal(t, "1", v)
			assert.Equal(t, 1, backend.Commits())
			assert.Len(t, backend.Permissions("/a/b"), 1)
		})

		t.Run("RetriesWholeBatchOnConflict", func(t *testing.T) {
			setup(t)
			backend.FailNextCommits(3)

			calls := 0
			err := store.Transact(ctx, func(tx adapter.Txn) error {
				calls++
				return tx.Write("/a/b", "1")
			})
			require.NoError(t, err)

			assert.Equal(t, 4, calls)
			assert.Equal(t, 3, backend.Retried())
			assert.Equal(t, 1, backend.Commits())
			v, _ := backend.Get("/a/b")
			assert.Equal(t, "1", v)
		})

		t.Run("RetriesWhenConcurrentWriterCommits", func(t *testing.T) {
			setup(t)
			backend.Set("/a/b", "0")

			calls := 0
			err := store.Transact(ctx, func(tx adapter.Txn) error {
				calls++
				v, err := tx.Read("/a/b")
				if err != nil {
					return err
				}
				if calls == 1 {
					// concurrent actor
					backend.Set("/a/c", "x")
				}
				return tx.Write("/a/b", v+"1")
			})
			require.NoError(t, err)

			assert.Equal(t, 2, calls)
			v, _ := backend.Get("/a/b")
			assert.Equal(t, "01", v)
		})

		t.Run("ErrorAborts", func(t *testing.T) {
			setup(t)
			expected := errors.New("boom")

			err := store.Transact(ctx, func(tx adapter.Txn) error {
				if err := tx.Write("/a/b", "1"); err != nil {
					return err
				}
				return expected
			})
			assert.ErrorIs(t, err, expected)

			_, ok := backend.Get("/a/b")
			assert.False(t, ok)
			assert.Zero(t, backend.Commits())
		})

		t.Run("StopsWhenContextIsDone", func(t *testing.T) {
			setup(t)
			backend.FailNextCommits(1 << 20)

			cctx, cancel := context.WithCancel(ctx)
			defer cancel()

			calls := 0
			err := store.Transact(cctx, func(tx adapter.Txn) error {
				calls++
				if calls == 5 {
					cancel()
				}
				return tx.Write("/a/b", "1")
			})
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, 5, calls)
		})
	})
}
