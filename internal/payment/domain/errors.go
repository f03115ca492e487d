package domain

import "errors"

var (
	ErrMissingSignature           = errors.New("missing_signature")
	ErrInvalidSignature           = errors.New("invalid_signature")
	ErrMalformedPayload           = errors.New("malformed_payload")
	ErrMissingSettlementReference = errors.New("missing_settlement_reference")
	ErrPersistence                = errors.New("persistence_error")
	ErrInvalidConfig              = errors.New("invalid_config")
)
