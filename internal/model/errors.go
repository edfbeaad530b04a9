package model

import "errors"

var (
	// ErrConfigurationNotFound: unknown service or route reference.
	ErrConfigurationNotFound = errors.New("configuration not found")
	// ErrInvalidRequest: malformed inbound request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidConfig: a service definition violates a structural invariant.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrRouting: the forward target could not be resolved.
	ErrRouting = errors.New("routing error")
	// ErrTaskNotFound: operation on an unregistered health-check task or service.
	ErrTaskNotFound = errors.New("task not found")
	// ErrListenerBind is fatal to one service's startup and never retried.
	ErrListenerBind = errors.New("listener bind failure")
	// ErrBackendUnreachable is per request and never fatal to the listener.
	ErrBackendUnreachable = errors.New("backend unreachable")
)
