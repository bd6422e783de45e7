package feeds

import (
	"fmt"
	"time"
)

// WarningKind tags a recoverable problem met while fetching a feed.
type WarningKind string

const (
	WarnConnectionError WarningKind = "ConnectionError"
	WarnHTTPStatusError WarningKind = "HttpStatusError"
	WarnArchiveError    WarningKind = "ArchiveError"
	WarnLinkLoop        WarningKind = "LinkLoop"
	WarnParseError      WarningKind = "ParseError"
	WarnGroundOverlay   WarningKind = "GroundOverlay"
	WarnScreenOverlay   WarningKind = "ScreenOverlay"
	WarnStaleCache      WarningKind = "StaleCache"
	WarnInaccessible    WarningKind = "Inaccessible"
)

// Warning is handed to the caller alongside whatever payload could be
// produced. Age is set for StaleCache warnings.
type Warning struct {
	Kind    WarningKind   `json:"kind"`
	URL     string        `json:"url,omitempty"`
	Message string        `json:"message"`
	Age     time.Duration `json:"age,omitempty"`
}

func (w Warning) String() string {
	if w.URL == "" {
		return fmt.Sprintf("%s: %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", w.Kind, w.Message, w.URL)
}

// HasWarning reports whether ws contains a warning of kind.
func HasWarning(ws []Warning, kind WarningKind) bool {
	for _, w := range ws {
		if w.Kind == kind {
			return true
		}
	}
	return false
}
