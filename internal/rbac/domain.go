package rbac

// Permission represents an atomic capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
}

// Grant is the effective permission set of a user.
type Grant struct {
	UserID      int64    `json:"userId"`
	Permissions []string `json:"permissions"`
}
