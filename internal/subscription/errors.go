package subscription

import (
	"eventScope/internal/chainview"
	"eventScope/internal/decoder"
	"eventScope/internal/ledger"
	"eventScope/internal/registry"
)

// Errors surfaced by the engine. Match them with errors.Is.
var (
	ErrNodeUnavailable      = ledger.ErrNodeUnavailable
	ErrMalformedResponse    = ledger.ErrMalformedResponse
	ErrReorgWindowExceeded  = chainview.ErrReorgWindowExceeded
	ErrSubscriptionNotFound = registry.ErrSubscriptionNotFound
	ErrNoDecoderAvailable   = decoder.ErrNoDecoderAvailable
)
