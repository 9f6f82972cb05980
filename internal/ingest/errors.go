package ingest

import (
	"errors"
	"fmt"

	"github.com/nugget/mailsync/internal/mailbox"
)

// errEmptyContent is wrapped when the server returned no body.
var errEmptyContent = errors.New("empty message content")

// ProcessingError reports that one message could not be ingested. It
// never aborts a sync pass; the message is retried on a later pass.
type ProcessingError struct {
	Key mailbox.Key
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Key, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsProcessingError reports whether err is or wraps a *ProcessingError.
func IsProcessingError(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe)
}
