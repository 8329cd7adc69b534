package engine

import (
	"time"

	"github.com/djherbis/times"
	"github.com/h2non/filetype"

	"fimcheck/logger"
)

const unknownMIME = "unknown"

// attributes are informational; they never influence the status.
type attributes struct {
	ModTime    time.Time
	ChangeTime time.Time
	MimeType   string
}

func readAttributes(path string, head []byte) attributes {
	attrs := attributes{MimeType: sniffMIME(head)}
	ts, err := times.Stat(path)
	if err != nil {
		logger.Debugf("Failed to read file times for %s: %v", path, err)
		return attrs
	}
	attrs.ModTime = ts.ModTime().UTC()
	if ts.HasChangeTime() {
		attrs.ChangeTime = ts.ChangeTime().UTC()
	}
	return attrs
}

func sniffMIME(head []byte) string {
	if len(head) == 0 {
		return unknownMIME
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown || kind.MIME.Value == "" {
		return unknownMIME
	}
	return kind.MIME.Value
}
