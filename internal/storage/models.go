package storage

// Node is one linked remote storage account contributing capacity to the
// pool. Quota counters are mutated only through the reservation operations
// in nodes.go; tokens only through the token manager.
type Node struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Total        int64  `json:"total"`
	Used         int64  `json:"used"`
	Reserved     int64  `json:"reserved"`
	Active       bool   `json:"active"`
	AccessToken  []byte `json:"-"`
	RefreshToken []byte `json:"-"`
	TokenExpiry  int64  `json:"token_expiry"`
	CreatedAt    int64  `json:"created_at"`
}

// Available returns the space not yet used or promised to in-flight uploads.
func (n *Node) Available() int64 {
	return n.Total - n.Used - n.Reserved
}

// Reservation is a time-boxed hold on a node's future used space for an
// in-flight upload. It is destroyed exactly once: by finalize, by explicit
// release, or by the expiry sweeper.
type Reservation struct {
	ID        string `json:"id"`
	NodeID    string `json:"node_id"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Folder is a virtual directory, decoupled from any remote account.
// ParentID is empty at the root. Path is the materialized ancestor chain,
// e.g. "/backups/server-a".
type Folder struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parent_id,omitempty"`
	Path      string `json:"path"`
	CreatedAt int64  `json:"created_at"`
}

// File is a stored object. It references exactly one node and the
// provider-side object id on that node's account.
type File struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MimeType      string `json:"mime_type"`
	Size          int64  `json:"size"`
	NodeID        string `json:"node_id"`
	FolderID      string `json:"folder_id,omitempty"`
	RemoteID      string `json:"remote_id"`
	ReservationID string `json:"-"`
	CreatedAt     int64  `json:"created_at"`
}

// ActivityEntry is an immutable audit record.
type ActivityEntry struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// APIKey holds the displayable parts of an issued key. The secret itself
// exists only at creation time; only its hash is persisted.
type APIKey struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Prefix     string `json:"prefix"`
	SecretHash []byte `json:"-"`
	Active     bool   `json:"active"`
	LastUsedAt int64  `json:"last_used_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}
