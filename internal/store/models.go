package store

import "time"

type Session struct {
	ID       string
	DocID    string
	UserID   string
	UserName string
	OrgID    string
	JoinedAt time.Time
	LastSeen time.Time
	Active   bool
}

// UpdateRecord is one append-only entry in a document's durable update log.
// The payload is opaque to the engine; replicas replay records in Seq order.
type UpdateRecord struct {
	DocID     string
	Seq       int64
	Update    []byte
	AuthorID  string
	CreatedAt time.Time
}

type Lock struct {
	ID         string
	DocID      string
	OwnerID    string
	OwnerName  string
	LockType   string // "full" or "section"
	RangeStart *int
	RangeEnd   *int
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

type Conflict struct {
	ID                 string
	DocID              string
	OrgID              string
	ConflictType       string
	LocalVersion       int64
	RemoteVersion      int64
	LocalContent       string
	RemoteContent      string
	LocalAuthor        string
	RemoteAuthor       string
	ResolverID         string
	ResolutionStrategy string
	MergedContent      string
	CreatedAt          time.Time
	ResolvedAt         *time.Time
}

type Snapshot struct {
	ID            string
	DocID         string
	State         []byte
	VersionVector string // JSON map of author id to counter
	Metadata      string // JSON
	CreatedAt     time.Time
}

type Comment struct {
	ID              string
	DocID           string
	ThreadID        string
	ParentCommentID string
	AuthorID        string
	AuthorName      string
	Content         string
	PositionStart   int
	PositionEnd     *int
	Status          string // "open" or "resolved"
	ResolvedBy      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type KnowledgeItem struct {
	ID           string
	OrgID        string
	FolderID     string
	Title        string
	Content      string
	Permissions  string // JSON map of action to allowed roles
	CreatedBy    string
	LastEditedBy string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Folder struct {
	ID          string
	OrgID       string
	ParentID    string
	Name        string
	Permissions string // JSON map of action to allowed roles
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OrgMember struct {
	OrgID  string
	UserID string
	Role   string
}
