package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Observer sessions.
	ErrForbidden = "E_FORBIDDEN"
	ErrBusy      = "E_BUSY"
	ErrRunEnded  = "E_RUN_ENDED"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrForbidden:       {},
	ErrBusy:            {},
	ErrRunEnded:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
