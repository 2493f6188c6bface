package exception

import "errors"

// Book integrity errors. Both force a resnapshot; neither is ever
// applied to a live book.
var (
	ErrSequenceGap   = errors.New("book: sequence gap")
	ErrCrossedBook   = errors.New("book: crossed state rejected")
	ErrStaleSnapshot = errors.New("book: snapshot older than applied sequence")
	ErrInvalidLevel  = errors.New("book: invalid level")
)
