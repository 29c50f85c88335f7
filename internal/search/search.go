package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMessage  ResultType = "message"
	ResultDocument ResultType = "document"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	GroupID string     `json:"groupId"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Author  string     `json:"author,omitempty"`
}

// Query describes a search request, always scoped to one group.
type Query struct {
	GroupID string
	Text    string
	Limit   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId"`
	Body    string `json:"body"`
	Author  string `json:"author"`
}

// DocumentRecord is the data we index for a group's document.
type DocumentRecord struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
	Content string `json:"content"`
}
