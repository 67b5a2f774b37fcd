package search

// Result is a single message hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
	AuthorID  string `json:"authorId"`
	Snippet   string `json:"snippet"`
}

// Query describes a message search. ServerID is required so results never
// cross server boundaries; ChannelID narrows further when set.
type Query struct {
	Text      string
	ServerID  string
	ChannelID string
	Limit     int
	Offset    int
}

// Response is the envelope returned to the caller.
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

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
	AuthorID  string `json:"authorId"`
	CreatedAt int64  `json:"createdAt"`
}
