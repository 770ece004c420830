package authkit

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderTransport indicates a network failure, timeout, or provider outage.
	ErrProviderTransport = errors.New("identity_provider.transport")
	// ErrProviderMalformed indicates the provider answered with an unusable payload.
	ErrProviderMalformed = errors.New("identity_provider.malformed_response")
	// ErrProviderRejected indicates the provider refused the request (bad or expired code, revoked grant).
	ErrProviderRejected = errors.New("identity_provider.rejected")
	// ErrProfileMissingField indicates the profile lacks a field identity records require.
	ErrProfileMissingField = errors.New("identity_provider.profile_missing_field")

	// ErrIdentityStore is the opaque failure surfaced by every identity store.
	ErrIdentityStore = errors.New("identity_store.failure")
	// ErrAccountKindMismatch indicates the stored account cannot hold sessions.
	ErrAccountKindMismatch = errors.New("identity_store.account_kind_mismatch")
	// ErrAccountNotFound indicates no account or token record matched.
	ErrAccountNotFound = errors.New("identity_store.account_not_found")
	// ErrRefreshTokenSuperseded indicates the session key no longer owns the stored refresh token.
	ErrRefreshTokenSuperseded = errors.New("identity_store.refresh_token_superseded")
	// ErrEmptyResourceID indicates an upsert or lookup without a provider resource id.
	ErrEmptyResourceID = errors.New("identity_store.empty_resource_id")
	// ErrEmptyRefreshToken indicates an upsert without a refresh token.
	ErrEmptyRefreshToken = errors.New("identity_store.empty_refresh_token")

	// ErrSessionStore indicates the identity store failed while creating a session.
	ErrSessionStore = errors.New("session_manager.store_failed")
	// ErrValidityPublish indicates the validity cache write failed after the store committed.
	ErrValidityPublish = errors.New("session_manager.validity_publish_failed")
)

// ProviderErrorKind classifies identity provider failures for the caller.
type ProviderErrorKind string

const (
	ProviderErrorTransport    ProviderErrorKind = "transport"
	ProviderErrorMalformed    ProviderErrorKind = "malformed"
	ProviderErrorRejected     ProviderErrorKind = "rejected"
	ProviderErrorMissingField ProviderErrorKind = "missing_field"
)

// ProviderError is returned by every IdentityProvider operation.
type ProviderError struct {
	Operation string
	Kind      ProviderErrorKind
	// Code is the provider-reported error code (e.g. invalid_grant) or the missing field name.
	Code string
	Err  error
}

func (providerError *ProviderError) Error() string {
	message := fmt.Sprintf("identity_provider.%s.%s", providerError.Operation, providerError.Kind)
	if providerError.Code != "" {
		message += "[" + providerError.Code + "]"
	}
	if providerError.Err != nil {
		message += ": " + providerError.Err.Error()
	}
	return message
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

// Is matches the kind sentinels so callers can branch with errors.Is.
func (providerError *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderTransport:
		return providerError.Kind == ProviderErrorTransport
	case ErrProviderMalformed:
		return providerError.Kind == ProviderErrorMalformed
	case ErrProviderRejected:
		return providerError.Kind == ProviderErrorRejected
	case ErrProfileMissingField:
		return providerError.Kind == ProviderErrorMissingField
	default:
		return false
	}
}

// StoreError wraps identity store failures. The cause text is kept for
// diagnosis but the driver error itself is not reachable through Unwrap.
type StoreError struct {
	Operation string
	Driver    string
	Cause     error
	domainErr error
}

// NewStoreError wraps cause for the named store operation, keeping domain sentinels reachable.
func NewStoreError(operation string, driver string, cause error) *StoreError {
	storeError := &StoreError{Operation: operation, Driver: driver, Cause: cause}
	for _, domainErr := range []error{ErrAccountKindMismatch, ErrAccountNotFound, ErrRefreshTokenSuperseded, ErrEmptyResourceID, ErrEmptyRefreshToken} {
		if errors.Is(cause, domainErr) {
			storeError.domainErr = domainErr
			break
		}
	}
	return storeError
}

func (storeError *StoreError) Error() string {
	if storeError.Cause == nil {
		return fmt.Sprintf("identity_store.%s.%s", storeError.Operation, storeError.Driver)
	}
	return fmt.Sprintf("identity_store.%s.%s: %s", storeError.Operation, storeError.Driver, storeError.Cause.Error())
}

// Domain returns the domain sentinel carried by the error, or nil for infrastructure failures.
func (storeError *StoreError) Domain() error {
	return storeError.domainErr
}

func (storeError *StoreError) Unwrap() []error {
	if storeError.domainErr != nil {
		return []error{ErrIdentityStore, storeError.domainErr}
	}
	return []error{ErrIdentityStore}
}
