// Second-Layer is a blockchain event streaming service.
// Copyright (C) 2025  Second Layer Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package views

import (
	"context"
	"os"
	"testing"

	"secondlayer/internal/queue"
	"secondlayer/internal/storage"
	"secondlayer/pkg/ownerkey"
	"secondlayer/pkg/view"
)

func openRegistryTestDB(t *testing.T) *storage.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database-backed test")
	}
	db, err := storage.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func testDefinition() view.Definition {
	return view.Definition{Tables: []view.Table{{
		Name:   "transfers",
		Source: "transactions",
		Columns: []view.Column{
			{Name: "sender", Type: view.ColText},
		},
		Extracts: []view.Extract{
			{Column: "sender", Path: "senderAddress"},
		},
	}}}
}

func TestRegistry_DeployGetDelete(t *testing.T) {
	db := openRegistryTestDB(t)
	ctx := context.Background()
	q := queue.New(db)
	r := New(db, q)

	owner := ownerkey.Key("owner-registry-test")
	def := testDefinition()

	v, err := r.Deploy(ctx, "deploy_test_view", owner, def, 0, 0)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if v.Status != view.StatusActive {
		t.Fatalf("expected deployed view to be active, got %q", v.Status)
	}

	got, err := r.Get("deploy_test_view", owner, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SchemaName != v.SchemaName {
		t.Fatalf("cached view schema mismatch: %q vs %q", got.SchemaName, v.SchemaName)
	}

	set := ownerkey.NewSet("someone-else")
	if _, err := r.Get("deploy_test_view", owner, &set); err == nil {
		t.Fatal("expected a key set excluding the owner to be denied")
	}

	if err := r.Delete(ctx, "deploy_test_view", owner); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get("deploy_test_view", owner, nil); err == nil {
		t.Fatal("expected the view to be gone after delete")
	}
}

func TestRegistry_DeployRejectsInvalidDefinition(t *testing.T) {
	db := openRegistryTestDB(t)
	ctx := context.Background()
	q := queue.New(db)
	r := New(db, q)

	_, err := r.Deploy(ctx, "bad_view", ownerkey.Key("owner-x"), view.Definition{}, 0, 0)
	if err == nil {
		t.Fatal("expected an empty definition to be rejected before any DDL runs")
	}
}

func TestRegistry_ReindexIsIdempotent(t *testing.T) {
	db := openRegistryTestDB(t)
	ctx := context.Background()
	q := queue.New(db)
	r := New(db, q)

	owner := ownerkey.Key("owner-reindex-test")
	def := testDefinition()
	v, err := r.Deploy(ctx, "reindex_test_view", owner, def, 0, 0)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	t.Cleanup(func() { _ = r.Delete(ctx, "reindex_test_view", owner) })

	if err := r.Reindex(ctx, v, 1, 1, nil, nil); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if err := r.Reindex(ctx, v, 1, 1, nil, nil); err != nil {
		t.Fatalf("re-running reindex over the same range should be idempotent: %v", err)
	}
}

func TestRegistry_GetAllScopesToOwner(t *testing.T) {
	// GetAll is pure cache iteration, so the cache is seeded directly.
	r := New(nil, nil)
	r.cache = map[string]*view.View{
		cacheKey("listings", "owner-a"): {Name: "listings", OwnerKeyID: "owner-a"},
		cacheKey("sales", "owner-a"):    {Name: "sales", OwnerKeyID: "owner-a"},
		cacheKey("mints", "owner-b"):    {Name: "mints", OwnerKeyID: "owner-b"},
	}

	mine := r.GetAll("owner-a", nil)
	if len(mine) != 2 {
		t.Fatalf("expected owner-a to see exactly its 2 views, got %d", len(mine))
	}
	for _, v := range mine {
		if v.OwnerKeyID != "owner-a" {
			t.Fatalf("owner-a's listing leaked another tenant's view: %+v", v)
		}
	}

	set := ownerkey.NewSet("owner-b")
	theirs := r.GetAll("owner-a", &set)
	if len(theirs) != 1 || theirs[0].Name != "mints" {
		t.Fatalf("expected a key set to override the owner argument, got %+v", theirs)
	}

	all := r.GetAll("", nil)
	if len(all) != 3 {
		t.Fatalf("expected admin mode (empty owner, nil keys) to see every view, got %d", len(all))
	}
}
