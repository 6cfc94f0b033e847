package model

import "strings"

// Identity is supplied by the external identity provider and is immutable for
// the lifetime of a session.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// Validate checks that the identity carries a usable user id.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" {
		return ErrIdentityRequired
	}
	return ValidateID(i.UserID)
}
