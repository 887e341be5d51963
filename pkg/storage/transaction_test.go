// ABOUTME: Tests for transaction support
// ABOUTME: Verifies read-your-writes, commit and rollback against an Environment-backed database

package storage

import (
	"fmt"
	"os"
	"testing"
)

func TestTransactionBasic(t *testing.T) {
	path := "/tmp/test_tx_basic.db"
	defer os.Remove(path)
	env, db := openTestDB(t, path)
	defer env.Close()

	tx := env.Begin()
	if err := db.InsertTxn(tx, []byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("stage insert: %v", err)
	}
	if err := db.InsertTxn(tx, []byte("key2"), []byte("value2")); err != nil {
		t.Fatalf("stage insert: %v", err)
	}

	val, err := db.FindTxn(tx, []byte("key1"))
	if err != nil || string(val) != "value1" {
		t.Errorf("expected to see key1 within transaction, got err=%v val=%q", err, val)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	val, err = db.Get([]byte("key1"))
	if err != nil || string(val) != "value1" {
		t.Error("key1 not persisted after commit")
	}
}

func TestTransactionAbort(t *testing.T) {
	path := "/tmp/test_tx_abort.db"
	defer os.Remove(path)
	env, db := openTestDB(t, path)
	defer env.Close()

	if err := db.Insert([]byte("existing"), []byte("value")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tx := env.Begin()
	if err := db.OverwriteTxn(tx, []byte("existing"), []byte("modified")); err != nil {
		t.Fatalf("stage update: %v", err)
	}
	if err := db.InsertTxn(tx, []byte("new_key"), []byte("new_value")); err != nil {
		t.Fatalf("stage insert: %v", err)
	}

	val, err := db.FindTxn(tx, []byte("existing"))
	if err != nil || string(val) != "modified" {
		t.Error("failed to see modification within transaction")
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	val, err = db.Get([]byte("existing"))
	if err != nil || string(val) != "value" {
		t.Error("rollback failed to revert changes")
	}
	if _, err := db.Get([]byte("new_key")); err == nil {
		t.Error("new key should not exist after rollback")
	}
}

func TestTransactionMultipleOperations(t *testing.T) {
	path := "/tmp/test_tx_multi.db"
	defer os.Remove(path)
	env, db := openTestDB(t, path)
	defer env.Close()

	tx := env.Begin()
	mustStage := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("stage op: %v", err)
		}
	}
	mustStage(db.InsertTxn(tx, []byte("key1"), []byte("value1")))
	mustStage(db.InsertTxn(tx, []byte("key2"), []byte("value2")))
	mustStage(db.InsertTxn(tx, []byte("key3"), []byte("value3")))
	mustStage(db.OverwriteTxn(tx, []byte("key2"), []byte("value2_updated")))
	mustStage(db.EraseTxn(tx, []byte("key3")))

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if val, err := db.Get([]byte("key1")); err != nil || string(val) != "value1" {
		t.Error("key1 incorrect")
	}
	if val, err := db.Get([]byte("key2")); err != nil || string(val) != "value2_updated" {
		t.Error("key2 not updated")
	}
	if _, err := db.Get([]byte("key3")); err == nil {
		t.Error("key3 should be deleted")
	}
}

func TestTransactionScan(t *testing.T) {
	path := "/tmp/test_tx_scan.db"
	defer os.Remove(path)
	env, db := openTestDB(t, path)
	defer env.Close()

	tx := env.Begin()
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%02d", i))
		val := []byte(fmt.Sprintf("val%02d", i))
		if err := db.InsertTxn(tx, key, val); err != nil {
			t.Fatalf("stage insert: %v", err)
		}
	}

	count := 0
	cur := db.Cursor(tx)
	if cur.Find([]byte("key00"), MatchGE) {
		for cur.Valid() {
			count++
			if !cur.Next() {
				break
			}
		}
	}
	if count != 10 {
		t.Errorf("expected 10 keys in transaction-scoped cursor, got %d", count)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	count = 0
	db.Scan([]byte("key00"), func(key, val []byte) bool {
		count++
		return true
	})
	if count != 10 {
		t.Errorf("expected 10 keys after commit, got %d", count)
	}
}

func TestTransactionConflict(t *testing.T) {
	path := "/tmp/test_tx_conflict.db"
	defer os.Remove(path)
	env, db := openTestDB(t, path)
	defer env.Close()

	tx1 := env.Begin()
	tx2 := env.Begin()

	if err := db.InsertTxn(tx1, []byte("shared"), []byte("from-tx1")); err != nil {
		t.Fatalf("stage tx1 insert: %v", err)
	}
	err := db.InsertTxn(tx2, []byte("shared"), []byte("from-tx2"))
	if err == nil {
		t.Fatal("expected a conflict staging a write against a key another open transaction is touching")
	}
	if !isStatus(err, StatusTxnConflict) {
		t.Errorf("expected ErrTxnConflict, got %v", err)
	}

	if err := tx1.Commit(); err != nil {
		t.Fatalf("commit tx1: %v", err)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatalf("rollback tx2: %v", err)
	}
}

func TestTransactionPersistence(t *testing.T) {
	path := "/tmp/test_tx_persist.db"
	defer os.Remove(path)

	func() {
		env, db := openTestDB(t, path)
		defer env.Close()

		tx := env.Begin()
		if err := db.InsertTxn(tx, []byte("persistent"), []byte("data")); err != nil {
			t.Fatalf("stage insert: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}()

	env, err := OpenEnvironment(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer env.Close()

	db, err := env.OpenDatabase(1)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	val, err := db.Get([]byte("persistent"))
	if err != nil || string(val) != "data" {
		t.Error("transaction data not persisted across sessions")
	}
}

func isStatus(err error, code Code) bool {
	s, ok := err.(*Status)
	return ok && s.Code == code
}
