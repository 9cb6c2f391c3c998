// Package scribeerr defines the ledger's typed error taxonomy so
// callers can dispatch on error kind with errors.As instead of parsing
// strings, and so a future admin surface can map a kind to an HTTP
// status without the core depending on net/http semantics itself.
package scribeerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a coarse category of failure.
type Kind int

const (
	KindNotLeader Kind = iota
	KindTimeout
	KindStorageFailure
	KindNetworkFailure
	KindConfigurationError
	KindNotFound
	KindSerializationError
	KindDiscoveryError
	KindClusterError
	KindManifestError
)

func (k Kind) String() string {
	switch k {
	case KindNotLeader:
		return "not_leader"
	case KindTimeout:
		return "timeout"
	case KindStorageFailure:
		return "storage_failure"
	case KindNetworkFailure:
		return "network_failure"
	case KindConfigurationError:
		return "configuration_error"
	case KindNotFound:
		return "not_found"
	case KindSerializationError:
		return "serialization_error"
	case KindDiscoveryError:
		return "discovery_error"
	case KindClusterError:
		return "cluster_error"
	case KindManifestError:
		return "manifest_error"
	default:
		return "unknown"
	}
}

// Error is the ledger's typed error. Most call sites construct one via
// the New* helpers rather than building the struct directly.
type Error struct {
	Kind        Kind
	Message     string
	KnownLeader *NodeRef
	Cause       error
}

// NodeRef is a minimal node reference attached to NotLeader errors so a
// client can follow up against the last-known leader.
type NodeRef struct {
	ID      uint64
	Address string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps this error's kind to the status a future admin
// surface should return. The mapping exists for completeness; no HTTP
// handler ships in this module.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotLeader:
		return 421 // Misdirected Request; client should retry the known leader
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindStorageFailure, KindClusterError, KindManifestError:
		return http.StatusInternalServerError
	case KindNetworkFailure:
		return http.StatusBadGateway
	case KindConfigurationError:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindSerializationError:
		return http.StatusUnprocessableEntity
	case KindDiscoveryError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func NewNotLeader(knownLeaderID uint64, knownLeaderAddr string) *Error {
	var ref *NodeRef
	if knownLeaderID != 0 {
		ref = &NodeRef{ID: knownLeaderID, Address: knownLeaderAddr}
	}
	return &Error{Kind: KindNotLeader, Message: "this node is not the leader", KnownLeader: ref}
}

func NewTimeout(op string) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s: deadline exceeded", op)}
}

func NewStorageFailure(op string, cause error) *Error {
	return &Error{Kind: KindStorageFailure, Message: op, Cause: cause}
}

func NewNetworkFailure(op string, cause error) *Error {
	return &Error{Kind: KindNetworkFailure, Message: op, Cause: cause}
}

func NewConfigurationError(msg string) *Error {
	return &Error{Kind: KindConfigurationError, Message: msg}
}

func NewNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what}
}

func NewSerializationError(op string, cause error) *Error {
	return &Error{Kind: KindSerializationError, Message: op, Cause: cause}
}

func NewDiscoveryError(msg string, cause error) *Error {
	return &Error{Kind: KindDiscoveryError, Message: msg, Cause: cause}
}

func NewClusterError(msg string) *Error {
	return &Error{Kind: KindClusterError, Message: msg}
}

func NewManifestError(msg string) *Error {
	return &Error{Kind: KindManifestError, Message: msg}
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// needed.
func Is(err error, kind Kind) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}
