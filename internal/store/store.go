package store

import "errors"

// ErrNoCredential is returned by LoadToken when nothing has been saved.
var ErrNoCredential = errors.New("no stored credential")

// Store persists the bearer token between runs. Message history is never
// persisted.
type Store interface {
	LoadToken() (string, error)
	SaveToken(token string) error
	ClearToken() error
	Close() error
}
