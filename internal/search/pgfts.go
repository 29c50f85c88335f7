package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL across chat messages and the group document using
// plainto_tsquery, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	const query = `
		SELECT type, id, group_id, title, snippet, author FROM (
			SELECT 'message'::text AS type, c.id, c.group_id,
				''::text AS title,
				ts_headline('english', c.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				u.display_name AS author,
				ts_rank(to_tsvector('english', c.body), plainto_tsquery('english', $1)) AS rank
			FROM chat_messages c
			JOIN users u ON u.id = c.user_id
			WHERE c.group_id = $2
			  AND to_tsvector('english', c.body) @@ plainto_tsquery('english', $1)
			UNION ALL
			SELECT 'document'::text AS type, g.id, g.id AS group_id,
				g.name AS title,
				ts_headline('english', g.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS author,
				ts_rank(to_tsvector('english', g.content), plainto_tsquery('english', $1)) AS rank
			FROM groups g
			WHERE g.id = $2
			  AND to_tsvector('english', g.content) @@ plainto_tsquery('english', $1)
		) hits
		ORDER BY rank DESC
		LIMIT $3
	`

	rows, err := p.db.Query(query, q.Text, q.GroupID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.ID, &r.GroupID, &r.Title, &r.Snippet, &r.Author); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(rtyp)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}

	return results, len(results), nil
}
