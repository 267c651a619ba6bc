package repository

// SaveEffect is the outcome of Save.
type SaveEffect uint8

const (
	SaveOK SaveEffect = iota
	// SaveConflict means a row with the same identity or business identity
	// already exists. Nothing was written.
	SaveConflict
)

func (e SaveEffect) String() string {
	if e == SaveConflict {
		return "conflict"
	}
	return "ok"
}

// IsOK reports whether the row was written.
func (e SaveEffect) IsOK() bool { return e == SaveOK }

// UpdateEffect is the outcome of Update.
type UpdateEffect uint8

const (
	UpdateOK UpdateEffect = iota
	UpdateNotFound
)

func (e UpdateEffect) String() string {
	if e == UpdateNotFound {
		return "not_found"
	}
	return "ok"
}

// IsOK reports whether the row exists and was brought up to date.
func (e UpdateEffect) IsOK() bool { return e == UpdateOK }

// DeleteEffect is the outcome of Delete.
type DeleteEffect uint8

const (
	DeleteOK DeleteEffect = iota
	DeleteNotFound
)

func (e DeleteEffect) String() string {
	if e == DeleteNotFound {
		return "not_found"
	}
	return "ok"
}

// IsOK reports whether a row was deleted.
func (e DeleteEffect) IsOK() bool { return e == DeleteOK }
