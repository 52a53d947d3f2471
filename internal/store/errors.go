package store

import "errors"

// ErrDatabaseCorruption is returned from Open when the database file is
// large enough to hold data but no core table has rows and no
// migration has been recorded.
var ErrDatabaseCorruption = errors.New("store: database corruption detected")

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")
