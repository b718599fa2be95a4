package receiver

import "errors"

// ErrHashMismatch indicates the assembled file's SHA-256 digest did not
// match the sender's end-to-end HASH record.
var ErrHashMismatch = errors.New("receiver: assembled file hash mismatch")
