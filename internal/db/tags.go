package db

import (
	"database/sql"
	"sort"
	"time"

	"github.com/contextlens/contextlens/internal/errors"
)

// SetTags replaces the tag set for a conversation atomically.
func SetTags(db *sql.DB, conversationID string, tags []string) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM tags WHERE conversation_id = ?", conversationID); err != nil {
		return errors.NewInternal(err)
	}

	now := time.Now().Unix()
	seen := map[string]bool{}
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		_, err := tx.Exec(
			"INSERT INTO tags (conversation_id, tag, created_at) VALUES (?, ?, ?)",
			conversationID, tag, now,
		)
		if err != nil {
			return errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetTags returns a conversation's tags sorted alphabetically.
func GetTags(db *sql.DB, conversationID string) ([]string, error) {
	rows, err := db.Query(
		"SELECT tag FROM tags WHERE conversation_id = ? ORDER BY tag",
		conversationID,
	)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.NewInternal(err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return tags, nil
}

// TagCount pairs a tag with the number of conversations carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// GetAllTags returns every known tag with its conversation count,
// most used first, ties alphabetical.
func GetAllTags(db *sql.DB) ([]TagCount, error) {
	rows, err := db.Query(
		"SELECT tag, COUNT(DISTINCT conversation_id) FROM tags GROUP BY tag",
	)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

// DeleteConversationTags removes all tags for one conversation.
// Deleting tags for an unknown conversation is not an error.
func DeleteConversationTags(db *sql.DB, conversationID string) error {
	if _, err := db.Exec("DELETE FROM tags WHERE conversation_id = ?", conversationID); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ResetTags removes every tag.
func ResetTags(db *sql.DB) error {
	if _, err := db.Exec("DELETE FROM tags"); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
