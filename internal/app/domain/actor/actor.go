// Package actor defines the identity the command layer supplies with
// every call. The concrete admin policy (OP flag, allow-list, dev
// override) lives outside this core; it collapses to one flag here.
package actor

import "github.com/google/uuid"

// Actor identifies the issuer of a command.
type Actor struct {
	ID                uuid.UUID
	DisplayName       string
	HasAdminAuthority bool
}
