package eventing

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes the event content (type, alert, scope, payload) while ignoring
// id and emission time, so that re-emissions of the same change collide.
// Payload keys are canonicalized so field order does not matter.
func Fingerprint(evt AlertEvent) string {
	digest := xxhash.New()
	_, _ = digest.WriteString(string(evt.Type))
	_, _ = digest.Write([]byte{0})
	_, _ = digest.WriteString(evt.AlertID)
	_, _ = digest.Write([]byte{0})
	_, _ = digest.WriteString(evt.HospitalScopeID)
	_, _ = digest.Write([]byte{0})
	_, _ = digest.Write(canonicalPayload(evt.Payload))
	return strconv.FormatUint(digest.Sum64(), 16)
}

func canonicalPayload(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return trimmed
	}
	// encoding/json sorts map keys on marshal.
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return trimmed
	}
	return canonical
}
