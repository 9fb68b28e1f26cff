package store

import (
	"strings"
	"unicode/utf8"
)

// snippetRadius is how many bytes of context surround a match in a snippet.
const snippetRadius = 32

// SearchMessages finds cached messages containing query (case-insensitive for
// ASCII), newest first. conversationID 0 searches every conversation.
func (db *DB) SearchMessages(query string, conversationID int64, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != 0 {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY sent_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(messageDest(&r.Message)...); err != nil {
			return nil, err
		}
		r.Snippet = snippet(r.Message.Content, query)
		results = append(results, r)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// snippet marks the first match of query in content with << >> and trims
// the surrounding text.
func snippet(content, query string) string {
	i := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if i < 0 || i+len(query) > len(content) {
		return content
	}
	start, end := i-snippetRadius, i+len(query)+snippetRadius
	prefix, suffix := "...", "..."
	if start <= 0 {
		start, prefix = 0, ""
	}
	if end >= len(content) {
		end, suffix = len(content), ""
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}
	return prefix + content[start:i] + "<<" + content[i:i+len(query)] + ">>" + content[i+len(query):end] + suffix
}
