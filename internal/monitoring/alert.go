package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert reports an operational problem that was swallowed instead of returned
// (teardown failures, lost event publishes). Logs for now.
func Alert(message string, labels map[string]string) {
	fields := make(map[string]interface{}, len(labels))
	for k, v := range labels {
		fields[k] = v
	}
	log.Error().
		Str("alert", message).
		Fields(fields).
		Msg("ALERT: tenant client issue detected")
}
