package store

import "testing"

func TestPrefixDB_GetPutDelete(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("ns1/"))

	if err := db.Put([]byte("key1"), []byte("val1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := db.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "val1" {
		t.Fatalf("Get = %q, want %q", got, "val1")
	}

	ok, err := db.Has([]byte("key1"))
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !ok {
		t.Fatal("Has = false, want true")
	}

	if err := db.Delete([]byte("key1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = db.Has([]byte("key1"))
	if err != nil {
		t.Fatalf("Has after delete: %v", err)
	}
	if ok {
		t.Fatal("Has after delete = true, want false")
	}
}

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	dbA := NewPrefixDB(inner, []byte("a/"))
	dbB := NewPrefixDB(inner, []byte("b/"))

	if err := dbA.Put([]byte("key"), []byte("fromA")); err != nil {
		t.Fatal(err)
	}
	if err := dbB.Put([]byte("key"), []byte("fromB")); err != nil {
		t.Fatal(err)
	}

	gotA, err := dbA.Get([]byte("key"))
	if err != nil {
		t.Fatal(err)
	}
	if string(gotA) != "fromA" {
		t.Errorf("dbA.Get(key) = %q, want fromA", gotA)
	}

	gotB, err := dbB.Get([]byte("key"))
	if err != nil {
		t.Fatal(err)
	}
	if string(gotB) != "fromB" {
		t.Errorf("dbB.Get(key) = %q, want fromB", gotB)
	}
}

func TestPrefixDB_ForEachStripsPrefix(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("ns/"))

	db.Put([]byte("msg/1"), []byte("a"))
	db.Put([]byte("msg/2"), []byte("b"))

	seen := map[string]bool{}
	err := db.ForEach([]byte("msg/"), func(key, value []byte) error {
		seen[string(key)] = true
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if !seen["msg/1"] || !seen["msg/2"] {
		t.Errorf("expected stripped keys msg/1 and msg/2, got %v", seen)
	}
}
