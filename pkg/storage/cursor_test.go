// ABOUTME: Tests for the merged btree+txn cursor: ordering, read-your-writes, duplicates, approximate match
// ABOUTME: Covers both directions of movement and the erased-key skip rules

package storage

import (
	"errors"
	"fmt"
	"testing"
)

func newMemDB(t *testing.T) (*Environment, *Database) {
	t.Helper()
	env, err := OpenInMemoryEnvironment()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.Close() })
	db, err := env.CreateDatabase(1, KeyTypeBinaryVariable)
	if err != nil {
		t.Fatal(err)
	}
	return env, db
}

func TestCursorMergesPendingAndCommitted(t *testing.T) {
	env, db := newMemDB(t)

	for _, k := range []string{"a", "c", "e"} {
		if err := db.Insert([]byte(k), []byte("committed-"+k)); err != nil {
			t.Fatal(err)
		}
	}

	txn := env.Begin()
	if err := db.InsertTxn(txn, []byte("b"), []byte("pending-b")); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertTxn(txn, []byte("d"), []byte("pending-d")); err != nil {
		t.Fatal(err)
	}
	if err := db.EraseTxn(txn, []byte("c")); err != nil {
		t.Fatal(err)
	}
	if err := db.OverwriteTxn(txn, []byte("e"), []byte("shadowed-e")); err != nil {
		t.Fatal(err)
	}

	cur := db.Cursor(txn)
	var got []string
	for ok := cur.First(); ok; ok = cur.Next() {
		got = append(got, string(cur.Key())+"="+string(cur.Value()))
	}
	want := []string{"a=committed-a", "b=pending-b", "d=pending-d", "e=shadowed-e"}
	if len(got) != len(want) {
		t.Fatalf("walk: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}

	// The committed view is untouched until commit.
	plain := db.Cursor(nil)
	var committed []string
	for ok := plain.First(); ok; ok = plain.Next() {
		committed = append(committed, string(plain.Key()))
	}
	if len(committed) != 3 {
		t.Errorf("committed view changed before commit: %v", committed)
	}

	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	val, err := db.Get([]byte("e"))
	if err != nil || string(val) != "shadowed-e" {
		t.Errorf("after commit e=%q err=%v", val, err)
	}
	if _, err := db.Get([]byte("c")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("erased key still present after commit: %v", err)
	}
}

func TestCursorReverseWalk(t *testing.T) {
	env, db := newMemDB(t)

	for _, k := range []string{"b", "d", "f"} {
		if err := db.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	txn := env.Begin()
	if err := db.InsertTxn(txn, []byte("c"), []byte("c")); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertTxn(txn, []byte("g"), []byte("g")); err != nil {
		t.Fatal(err)
	}

	cur := db.Cursor(txn)
	var got []string
	for ok := cur.Last(); ok; ok = cur.Prev() {
		got = append(got, string(cur.Key()))
	}
	want := []string{"g", "f", "d", "c", "b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("reverse walk: got %v, want %v", got, want)
	}
}

func TestCursorApproxMatch(t *testing.T) {
	// Keys {1,3,7}, probe 2: LT→1, GT→3, NEAR→1 (left-preferring,
	// consistent within a run), EXACT→no match.
	_, db := newMemDB(t)
	for _, k := range []string{"1", "3", "7"} {
		if err := db.Insert([]byte(k), []byte("v"+k)); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		mode MatchMode
		want string
	}{
		{MatchLT, "1"},
		{MatchLE, "1"},
		{MatchGT, "3"},
		{MatchGE, "3"},
		{MatchNear, "1"},
	}
	for _, tc := range cases {
		cur := db.Cursor(nil)
		if !cur.Find([]byte("2"), tc.mode) {
			t.Errorf("mode %d: no match", tc.mode)
			continue
		}
		if string(cur.Key()) != tc.want {
			t.Errorf("mode %d: got %q, want %q", tc.mode, cur.Key(), tc.want)
		}
	}

	cur := db.Cursor(nil)
	if cur.Find([]byte("2"), MatchExact) {
		t.Errorf("exact match on absent key returned %q", cur.Key())
	}

	// NEAR repeated gives the same side every time.
	first := ""
	for i := 0; i < 5; i++ {
		cur := db.Cursor(nil)
		if !cur.Find([]byte("2"), MatchNear) {
			t.Fatal("near: no match")
		}
		if first == "" {
			first = string(cur.Key())
		} else if string(cur.Key()) != first {
			t.Fatal("near match not consistent within a run")
		}
	}
}

func TestCursorApproxMatchSeesPendingKeys(t *testing.T) {
	env, db := newMemDB(t)
	if err := db.Insert([]byte("10"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	txn := env.Begin()
	if err := db.InsertTxn(txn, []byte("15"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	cur := db.Cursor(txn)
	if !cur.Find([]byte("12"), MatchGT) || string(cur.Key()) != "15" {
		t.Errorf("GT should find the pending key, got %q", cur.Key())
	}
	if !cur.Find([]byte("17"), MatchLT) || string(cur.Key()) != "15" {
		t.Errorf("LT should find the pending key, got %q", cur.Key())
	}
}

func TestCursorDuplicates(t *testing.T) {
	// Five records under one key: count, in-order traversal, exhaustion.
	_, db := newMemDB(t)

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		if err := db.InsertDuplicate([]byte("1"), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.GetDuplicateCount(nil, []byte("1"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("duplicate count = %d, want 5", n)
	}

	cur := db.Cursor(nil)
	if !cur.Find([]byte("1"), MatchExact) {
		t.Fatal("find failed")
	}
	want := []string{"a", "b", "c", "d", "e"}
	for i, w := range want {
		if got := string(cur.Value()); got != w {
			t.Errorf("duplicate %d: got %q, want %q", i, got, w)
		}
		if i < len(want)-1 {
			if !cur.NextDuplicate() {
				t.Fatalf("NextDuplicate failed at %d", i)
			}
		}
	}
	if cur.NextDuplicate() {
		t.Error("sixth NextDuplicate should report exhaustion")
	}
}

func TestCursorDuplicatePositions(t *testing.T) {
	_, db := newMemDB(t)

	if err := db.InsertDuplicate([]byte("k"), []byte("middle")); err != nil {
		t.Fatal(err)
	}
	txn := db.env.Begin()
	if err := db.InsertDuplicateAtTxn(txn, []byte("k"), []byte("first"), DupFirst, 0); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertDuplicateAtTxn(txn, []byte("k"), []byte("last"), DupLast, 0); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	cur := db.Cursor(nil)
	if !cur.Find([]byte("k"), MatchExact) {
		t.Fatal("find failed")
	}
	var got []string
	got = append(got, string(cur.Value()))
	for cur.NextDuplicate() {
		got = append(got, string(cur.Value()))
	}
	want := []string{"first", "middle", "last"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("duplicate order: got %v, want %v", got, want)
	}
}

func TestCursorPendingDuplicatesMerge(t *testing.T) {
	// A transaction's pending duplicate shows up in its own cursor but
	// not in a committed-only one.
	env, db := newMemDB(t)
	if err := db.InsertDuplicate([]byte("k"), []byte("one")); err != nil {
		t.Fatal(err)
	}

	txn := env.Begin()
	if err := db.InsertDuplicateTxn(txn, []byte("k"), []byte("two")); err != nil {
		t.Fatal(err)
	}

	mine := db.Cursor(txn)
	if !mine.Find([]byte("k"), MatchExact) || mine.DuplicateCount() != 2 {
		t.Errorf("txn cursor: count = %d, want 2", mine.DuplicateCount())
	}
	others := db.Cursor(nil)
	if !others.Find([]byte("k"), MatchExact) || others.DuplicateCount() != 1 {
		t.Errorf("committed cursor: count = %d, want 1", others.DuplicateCount())
	}
}

func TestCursorEraseSingleDuplicate(t *testing.T) {
	_, db := newMemDB(t)
	for _, v := range []string{"a", "b", "c"} {
		if err := db.InsertDuplicate([]byte("k"), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.EraseDuplicate([]byte("k"), 1); err != nil {
		t.Fatal(err)
	}
	n, err := db.GetDuplicateCount(nil, []byte("k"))
	if err != nil || n != 2 {
		t.Fatalf("count after single erase = %d err=%v", n, err)
	}

	cur := db.Cursor(nil)
	if !cur.Find([]byte("k"), MatchExact) {
		t.Fatal("find failed")
	}
	if string(cur.Value()) != "a" {
		t.Errorf("first duplicate = %q", cur.Value())
	}
	cur.NextDuplicate()
	if string(cur.Value()) != "c" {
		t.Errorf("second duplicate = %q, want c", cur.Value())
	}

	// Erasing the rest removes the key itself.
	if err := db.EraseDuplicate([]byte("k"), 0); err != nil {
		t.Fatal(err)
	}
	if err := db.EraseDuplicate([]byte("k"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("key should vanish with its last duplicate: %v", err)
	}
}

func TestCursorDuplicateSpillToBlob(t *testing.T) {
	// More duplicates than fit inline forces the list into an
	// out-of-leaf table without changing what a reader sees.
	_, db := newMemDB(t)

	total := 2 * 8 // comfortably past DuplicateInlineMax
	for i := 0; i < total; i++ {
		if err := db.InsertDuplicate([]byte("k"), []byte(fmt.Sprintf("v%02d", i))); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.GetDuplicateCount(nil, []byte("k"))
	if err != nil || n != total {
		t.Fatalf("count = %d err=%v", n, err)
	}

	cur := db.Cursor(nil)
	if !cur.Find([]byte("k"), MatchExact) {
		t.Fatal("find failed")
	}
	for i := 0; i < total; i++ {
		if got := string(cur.Value()); got != fmt.Sprintf("v%02d", i) {
			t.Fatalf("duplicate %d: got %q", i, got)
		}
		cur.NextDuplicate()
	}
	if err := db.CheckIntegrity(); err != nil {
		t.Errorf("integrity with spilled duplicates: %v", err)
	}
}

func TestCursorSkipDuplicates(t *testing.T) {
	_, db := newMemDB(t)
	for i := 0; i < 4; i++ {
		if err := db.InsertDuplicate([]byte("a"), []byte{byte('0' + i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Insert([]byte("b"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	cur := db.Cursor(nil)
	cur.SkipDuplicates = true
	var keys []string
	for ok := cur.First(); ok; ok = cur.Next() {
		keys = append(keys, string(cur.Key()))
	}
	if fmt.Sprint(keys) != fmt.Sprint([]string{"a", "b"}) {
		t.Errorf("skip-duplicates walk: %v", keys)
	}
}

func TestCursorKeyErasedInTxnFind(t *testing.T) {
	env, db := newMemDB(t)
	if err := db.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	txn := env.Begin()
	if err := db.EraseTxn(txn, []byte("k")); err != nil {
		t.Fatal(err)
	}

	if _, err := db.FindTxn(txn, []byte("k")); !errors.Is(err, ErrKeyErasedInTxn) {
		t.Errorf("expected KEY_ERASED_IN_TXN, got %v", err)
	}
	// A cursor move steps over the erased key instead of failing.
	cur := db.Cursor(txn)
	if cur.First() {
		t.Errorf("cursor should see an empty database, got %q", cur.Key())
	}
}

func TestCursorWriteOps(t *testing.T) {
	// Insert/overwrite/erase through the cursor itself, repositioning
	// after each write.
	_, db := newMemDB(t)

	cur := db.Cursor(nil)
	if err := cur.Insert([]byte("b"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if !cur.Valid() || string(cur.Key()) != "b" {
		t.Fatalf("cursor not positioned on inserted key: %q", cur.Key())
	}

	if err := cur.Overwrite([]byte("v2")); err != nil {
		t.Fatal(err)
	}
	if string(cur.Value()) != "v2" {
		t.Errorf("overwrite through cursor: value = %q", cur.Value())
	}

	if err := cur.Insert([]byte("c"), []byte("next")); err != nil {
		t.Fatal(err)
	}
	if err := cur.Erase(); err != nil {
		t.Fatal(err)
	}
	if cur.Valid() {
		t.Errorf("erase of the last key should exhaust the cursor, got %q", cur.Key())
	}
	if _, err := db.Get([]byte("c")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("cursor erase did not remove the key: %v", err)
	}
	if val, err := db.Get([]byte("b")); err != nil || string(val) != "v2" {
		t.Errorf("unrelated key damaged: %q %v", val, err)
	}
}

func TestCursorDuplicateWriteOps(t *testing.T) {
	_, db := newMemDB(t)
	for _, v := range []string{"a", "c"} {
		if err := db.InsertDuplicate([]byte("k"), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	cur := db.Cursor(nil)
	if !cur.Find([]byte("k"), MatchExact) {
		t.Fatal("find failed")
	}
	if !cur.NextDuplicate() {
		t.Fatal("expected a second duplicate")
	}
	if err := cur.InsertDuplicateBefore([]byte("b")); err != nil {
		t.Fatal(err)
	}

	n, err := db.GetDuplicateCount(nil, []byte("k"))
	if err != nil || n != 3 {
		t.Fatalf("count = %d err=%v", n, err)
	}
	want := []string{"a", "b", "c"}
	check := db.Cursor(nil)
	if !check.Find([]byte("k"), MatchExact) {
		t.Fatal("re-find failed")
	}
	for i, w := range want {
		if got := string(check.Value()); got != w {
			t.Errorf("duplicate %d: got %q, want %q", i, got, w)
		}
		check.NextDuplicate()
	}

	// Erase the middle duplicate through the cursor.
	del := db.Cursor(nil)
	if !del.Find([]byte("k"), MatchExact) || !del.NextDuplicate() {
		t.Fatal("positioning failed")
	}
	if err := del.Erase(); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.GetDuplicateCount(nil, []byte("k")); n != 2 {
		t.Errorf("count after cursor erase = %d, want 2", n)
	}
}

func TestCursorCloneAndRecordSize(t *testing.T) {
	_, db := newMemDB(t)
	big := make([]byte, 5000)
	if err := db.Insert([]byte("big"), big); err != nil {
		t.Fatal(err)
	}
	if err := db.Insert([]byte("small"), []byte("xyz")); err != nil {
		t.Fatal(err)
	}

	cur := db.Cursor(nil)
	if !cur.Find([]byte("big"), MatchExact) {
		t.Fatal("find failed")
	}
	size, err := cur.RecordSize()
	if err != nil || size != 5000 {
		t.Errorf("blob record size = %d err=%v", size, err)
	}

	clone := cur.Clone()
	if !clone.Valid() || string(clone.Key()) != "big" {
		t.Errorf("clone lost position: %q", clone.Key())
	}
	// Moving the clone leaves the original in place.
	clone.Next()
	if string(cur.Key()) != "big" || string(clone.Key()) != "small" {
		t.Errorf("clone not independent: cur=%q clone=%q", cur.Key(), clone.Key())
	}

	if !cur.Find([]byte("small"), MatchExact) {
		t.Fatal("find small failed")
	}
	if size, _ := cur.RecordSize(); size != 3 {
		t.Errorf("inline record size = %d, want 3", size)
	}
}
