package db

import (
	"database/sql"
	"reflect"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSetAndGetTags(t *testing.T) {
	db := openTestDB(t)

	if err := SetTags(db, "conv-1", []string{"refactor", "auth", "refactor", ""}); err != nil {
		t.Fatalf("SetTags() error = %v", err)
	}

	tags, err := GetTags(db, "conv-1")
	if err != nil {
		t.Fatalf("GetTags() error = %v", err)
	}
	// duplicates and empty strings dropped, sorted alphabetically
	want := []string{"auth", "refactor"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("GetTags() = %v, want %v", tags, want)
	}
}

func TestSetTagsReplaces(t *testing.T) {
	db := openTestDB(t)

	if err := SetTags(db, "conv-1", []string{"old"}); err != nil {
		t.Fatalf("SetTags() error = %v", err)
	}
	if err := SetTags(db, "conv-1", []string{"new"}); err != nil {
		t.Fatalf("SetTags() error = %v", err)
	}

	tags, err := GetTags(db, "conv-1")
	if err != nil {
		t.Fatalf("GetTags() error = %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"new"}) {
		t.Errorf("GetTags() = %v, want [new]", tags)
	}
}

func TestSetTagsEmptyClears(t *testing.T) {
	db := openTestDB(t)

	if err := SetTags(db, "conv-1", []string{"a", "b"}); err != nil {
		t.Fatalf("SetTags() error = %v", err)
	}
	if err := SetTags(db, "conv-1", nil); err != nil {
		t.Fatalf("SetTags(nil) error = %v", err)
	}

	tags, err := GetTags(db, "conv-1")
	if err != nil {
		t.Fatalf("GetTags() error = %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("GetTags() = %v, want empty", tags)
	}
}

func TestGetAllTags(t *testing.T) {
	db := openTestDB(t)

	mustSet := func(conv string, tags ...string) {
		t.Helper()
		if err := SetTags(db, conv, tags); err != nil {
			t.Fatalf("SetTags(%s) error = %v", conv, err)
		}
	}
	mustSet("conv-1", "auth", "refactor")
	mustSet("conv-2", "auth")
	mustSet("conv-3", "bugfix")

	all, err := GetAllTags(db)
	if err != nil {
		t.Fatalf("GetAllTags() error = %v", err)
	}
	want := []TagCount{
		{Tag: "auth", Count: 2},
		{Tag: "bugfix", Count: 1},
		{Tag: "refactor", Count: 1},
	}
	if !reflect.DeepEqual(all, want) {
		t.Errorf("GetAllTags() = %v, want %v", all, want)
	}
}

func TestDeleteConversationTags(t *testing.T) {
	db := openTestDB(t)

	if err := SetTags(db, "conv-1", []string{"keep"}); err != nil {
		t.Fatalf("SetTags() error = %v", err)
	}
	if err := SetTags(db, "conv-2", []string{"gone"}); err != nil {
		t.Fatalf("SetTags() error = %v", err)
	}

	if err := DeleteConversationTags(db, "conv-2"); err != nil {
		t.Fatalf("DeleteConversationTags() error = %v", err)
	}
	// unknown conversation is a no-op
	if err := DeleteConversationTags(db, "conv-404"); err != nil {
		t.Fatalf("DeleteConversationTags(unknown) error = %v", err)
	}

	tags, err := GetTags(db, "conv-1")
	if err != nil {
		t.Fatalf("GetTags() error = %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"keep"}) {
		t.Errorf("GetTags(conv-1) = %v, want [keep]", tags)
	}

	tags, _ = GetTags(db, "conv-2")
	if len(tags) != 0 {
		t.Errorf("GetTags(conv-2) = %v, want empty", tags)
	}
}

func TestResetTags(t *testing.T) {
	db := openTestDB(t)

	if err := SetTags(db, "conv-1", []string{"a"}); err != nil {
		t.Fatalf("SetTags() error = %v", err)
	}
	if err := ResetTags(db); err != nil {
		t.Fatalf("ResetTags() error = %v", err)
	}

	all, err := GetAllTags(db)
	if err != nil {
		t.Fatalf("GetAllTags() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("GetAllTags() = %v, want empty", all)
	}
}
