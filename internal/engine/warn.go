package engine

import "github.com/rs/zerolog"

// WarnScope identifies what a warning is about, for log correlation
// (§6 "emit({scope, subject}, kind, detail)").
type WarnScope struct {
	Scope   string // "node", "join", "multicast"
	Subject string // hex devaddr/deveui
}

// WarnSink receives side-channel warnings that never change an
// Outcome: missed-uplink counts, repeated resets, dropped port-0 data
// (§6, §7).
type WarnSink interface {
	Warn(scope WarnScope, kind string, detail map[string]interface{})
}

// ZerologSink adapts WarnSink to the project's structured logger.
type ZerologSink struct {
	Logger zerolog.Logger
}

func (z ZerologSink) Warn(scope WarnScope, kind string, detail map[string]interface{}) {
	ev := z.Logger.Warn().Str("scope", scope.Scope).Str("subject", scope.Subject).Str("kind", kind)
	for k, v := range detail {
		ev = ev.Interface(k, v)
	}
	ev.Msg("engine warning")
}

// NopSink discards all warnings; used by tests that only assert on
// Outcome values.
type NopSink struct{}

func (NopSink) Warn(WarnScope, string, map[string]interface{}) {}
