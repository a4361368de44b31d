// Package storage provides the client-side key/value persistence used for
// tokens, cached roles, cooldown timestamps and the identity provider's
// session blob.
package storage

import "errors"

var ErrNotFound = errors.New("key not found")

type Store interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	Delete(key string) error
}
