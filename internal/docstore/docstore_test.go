package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/store"
)

// setupTestView opens a store, creates the "users" collection and returns a
// writable view inside a transaction that is rolled back at cleanup.
func setupTestView(t *testing.T) (*View, *store.Tx, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.WriteTx(ctx, func(tx *store.Tx) error {
		return EnsureCollection(ctx, tx, "users")
	}))

	tx, err := s.BeginWrite(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })

	v := NewView(tx)
	v.SetWritable(true)
	return v, tx, s
}

func user(id int64, name string) ir.IRObject {
	return ir.IRObject{"id": ir.IRInt(id), "name": ir.IRString(name)}
}

func TestCollection_SetAndGet(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	require.NoError(t, users.Set(ctx, user(1, "ada"), false))

	got, found, err := users.Get(ctx, ir.IRInt(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ir.Equal(user(1, "ada"), got))

	_, found, err = users.Get(ctx, ir.IRInt(2))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCollection_SetReplaces(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	require.NoError(t, users.Set(ctx, ir.IRObject{"id": ir.IRInt(1), "a": ir.IRInt(1), "b": ir.IRInt(2)}, false))
	require.NoError(t, users.Set(ctx, ir.IRObject{"id": ir.IRInt(1), "a": ir.IRInt(3)}, false))

	got, _, err := users.Get(ctx, ir.IRInt(1))
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.IRObject{"id": ir.IRInt(1), "a": ir.IRInt(3)}, got))
}

func TestCollection_InsertOnlyDuplicate(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	require.NoError(t, users.Set(ctx, user(5, "a"), true))
	err := users.Set(ctx, user(5, "b"), true)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCollection_UpdateMergesAndClears(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	require.NoError(t, users.Set(ctx, ir.IRObject{
		"id": ir.IRInt(1), "name": ir.IRString("ada"), "nick": ir.IRString("a"),
	}, false))
	require.NoError(t, users.Update(ctx, ir.IRObject{
		"id": ir.IRInt(1), "name": ir.IRString("lovelace"), "nick": ir.IRNull{},
	}))

	got, _, err := users.Get(ctx, ir.IRInt(1))
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("lovelace")}, got))

	err = users.Update(ctx, ir.IRObject{"id": ir.IRInt(9), "name": ir.IRString("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	err = users.Update(ctx, ir.IRObject{"name": ir.IRString("x")})
	assert.ErrorContains(t, err, "no id")
}

func TestCollection_Upsert(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	require.NoError(t, users.Upsert(ctx, ir.IRObject{"id": ir.IRInt(2), "name": ir.IRString("new"), "gone": ir.IRNull{}}))
	got, found, err := users.Get(ctx, ir.IRInt(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ir.Equal(ir.IRObject{"id": ir.IRInt(2), "name": ir.IRString("new")}, got))

	require.NoError(t, users.Upsert(ctx, ir.IRObject{"id": ir.IRInt(2), "age": ir.IRInt(3)}))
	got, _, err = users.Get(ctx, ir.IRInt(2))
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.IRObject{"id": ir.IRInt(2), "name": ir.IRString("new"), "age": ir.IRInt(3)}, got))
}

func TestCollection_RemoveAndReset(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, users.Set(ctx, user(i, "u"), false))
	}
	require.NoError(t, users.Remove(ctx, ir.IRInt(2)))
	require.NoError(t, users.Remove(ctx, ir.IRInt(42)), "removing a missing record is fine")

	all, err := users.Search(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, users.Reset(ctx))
	all, err = users.Search(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCollection_SearchExistsMax(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	empty, err := users.Max(ctx, "id")
	require.NoError(t, err)
	assert.Equal(t, ir.IRNull{}, empty)

	require.NoError(t, users.Set(ctx, ir.IRObject{"id": ir.IRInt(2), "role": ir.IRString("admin"), "active": ir.IRBool(true)}, false))
	require.NoError(t, users.Set(ctx, ir.IRObject{"id": ir.IRInt(10), "role": ir.IRString("user"), "active": ir.IRBool(false)}, false))
	require.NoError(t, users.Set(ctx, ir.IRObject{"id": ir.IRInt(7), "role": ir.IRString("user"), "active": ir.IRBool(true), "note": ir.IRNull{}}, false))

	found, err := users.Search(ctx, queryir.All(
		queryir.Eq("role", ir.IRString("user")),
		queryir.Eq("active", ir.IRBool(true)),
	))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ir.IRInt(7), found[0]["id"])

	noNote, err := users.Search(ctx, queryir.IsNull{Field: "note"})
	require.NoError(t, err)
	assert.Len(t, noNote, 3, "absent and explicit null both match")

	ok, err := users.Exists(ctx, queryir.Eq("role", ir.IRString("admin")))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = users.Exists(ctx, queryir.Eq("role", ir.IRString("root")))
	require.NoError(t, err)
	assert.False(t, ok)

	maxID, err := users.Max(ctx, "id")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(10), maxID, "max compares numbers, not text keys")
}

func TestCollection_IntAndStringIDsAreDistinct(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	require.NoError(t, users.Set(ctx, ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("int")}, true))
	require.NoError(t, users.Set(ctx, ir.IRObject{"id": ir.IRString("1"), "name": ir.IRString("string")}, true))

	got, found, err := users.Get(ctx, ir.IRInt(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.IRString("int"), got["name"])

	got, found, err = users.Get(ctx, ir.IRString("1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.IRString("string"), got["name"])

	require.NoError(t, users.Remove(ctx, ir.IRString("1")))
	_, found, err = users.Get(ctx, ir.IRInt(1))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCollection_SearchOrdersByID(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	for _, id := range []ir.IRValue{ir.IRString("b"), ir.IRInt(10), ir.IRInt(-3), ir.IRString("a"), ir.IRInt(2)} {
		require.NoError(t, users.Set(ctx, ir.IRObject{"id": id}, false))
	}

	all, err := users.Search(ctx, nil)
	require.NoError(t, err)
	ids := make([]ir.IRValue, len(all))
	for i, rec := range all {
		ids[i] = rec["id"]
	}
	assert.Equal(t, []ir.IRValue{ir.IRInt(-3), ir.IRInt(2), ir.IRInt(10), ir.IRString("a"), ir.IRString("b")}, ids)
}

func TestCollection_CustomIDColumn(t *testing.T) {
	v, tx, _ := setupTestView(t)
	ctx := context.Background()
	require.NoError(t, EnsureCollection(ctx, tx, "accounts"))
	accounts := v.Collection("accounts", "handle")

	require.NoError(t, accounts.Set(ctx, ir.IRObject{"handle": ir.IRString("ada"), "plan": ir.IRString("pro")}, false))
	got, found, err := accounts.Get(ctx, ir.IRString("ada"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.IRString("pro"), got["plan"])

	err = accounts.Set(ctx, ir.IRObject{"id": ir.IRInt(1)}, false)
	assert.ErrorContains(t, err, "no id")
}

func TestView_ReadOnlyRejectsWrites(t *testing.T) {
	v, _, _ := setupTestView(t)
	ctx := context.Background()
	users := v.Collection("users", "")

	v.SetWritable(false)
	assert.ErrorIs(t, users.Set(ctx, user(1, "a"), false), ErrReadOnly)
	assert.ErrorIs(t, users.Update(ctx, user(1, "a")), ErrReadOnly)
	assert.ErrorIs(t, users.Remove(ctx, ir.IRInt(1)), ErrReadOnly)
	assert.ErrorIs(t, users.Reset(ctx), ErrReadOnly)

	_, _, err := users.Get(ctx, ir.IRInt(1))
	assert.NoError(t, err, "reads are always allowed")
}

func TestView_ReaderSeesOnlyCommitted(t *testing.T) {
	v, tx, s := setupTestView(t)
	ctx := context.Background()

	require.NoError(t, v.Collection("users", "").Set(ctx, user(1, "a"), false))

	ro, err := s.Reader()
	require.NoError(t, err)
	readers := NewView(ro).Collection("users", "")

	_, found, err := readers.Get(ctx, ir.IRInt(1))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tx.Commit())
	_, found, err = readers.Get(ctx, ir.IRInt(1))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEnsureCollection_RejectsBadName(t *testing.T) {
	_, tx, _ := setupTestView(t)
	assert.Error(t, EnsureCollection(context.Background(), tx, "bad name"))
}

func TestMerge(t *testing.T) {
	prev := ir.IRObject{"a": ir.IRInt(1), "b": ir.IRInt(2)}
	out := Merge(prev, ir.IRObject{"b": ir.IRNull{}, "c": ir.IRInt(3)})

	assert.True(t, ir.Equal(ir.IRObject{"a": ir.IRInt(1), "c": ir.IRInt(3)}, out))
	assert.True(t, ir.Equal(ir.IRObject{"a": ir.IRInt(1), "b": ir.IRInt(2)}, prev), "input untouched")
	assert.True(t, ir.Equal(ir.IRObject{"a": ir.IRInt(1)}, Merge(nil, ir.IRObject{"a": ir.IRInt(1)})))
}
