package engine

import (
	"time"

	"github.com/lorawan-net/frameengine/internal/storage"
)

// Direction bytes for the data-frame cipher/MIC blocks (§4.5); mirrors
// the unexported constants pkg/lorawan keeps for its own wire helpers.
const (
	dirUplink   byte = 0
	dirDownlink byte = 1
)

func timeNowPtr() *time.Time {
	t := time.Now()
	return &t
}

// Engine is a library of pure-plus-transactional operations (§5): it
// owns no goroutines or background tasks. Callers invoke Ingest from
// a gateway handler and the downlink encoders from the application
// layer, each from their own execution context.
type Engine struct {
	Store             storage.Store
	Warn              WarnSink
	MaxLostAfterReset uint32
	RxDelay           uint8 // seconds, carried in every join-accept's RxDelay field
}

// New builds an Engine against store. warn may be nil, in which case
// warnings are discarded.
func New(store storage.Store, warn WarnSink, maxLostAfterReset uint32, rxDelay uint8) *Engine {
	if warn == nil {
		warn = NopSink{}
	}
	return &Engine{Store: store, Warn: warn, MaxLostAfterReset: maxLostAfterReset, RxDelay: rxDelay}
}
