package v1

// RepoStatus gates scheduling for tasks bound to a repository.
type RepoStatus string

const (
	RepoActive RepoStatus = "ACTIVE"
	RepoPaused RepoStatus = "PAUSED"
)

// Repository is one entry of the hub's repository table. Tasks carrying a
// non-empty repo identifier are only scheduled while the repository is ACTIVE
// (or unknown to the table, for backward compatibility).
type Repository struct {
	ID            string     `json:"id"`
	URL           string     `json:"url,omitempty"`
	Name          string     `json:"name"`
	Status        RepoStatus `json:"status"`
	PriorityIndex int        `json:"priority_index"`
}

// CreateRepositoryRequest is the body of POST /repos.
type CreateRepositoryRequest struct {
	ID            string `json:"id" binding:"required"`
	URL           string `json:"url,omitempty"`
	Name          string `json:"name" binding:"required"`
	PriorityIndex int    `json:"priority_index,omitempty"`
}
