package webapi

import (
	"errors"
	"net/http"
	"strings"
)

// BearerSigner attaches a static OAuth access token.
type BearerSigner struct {
	Token string
}

// Sign implements Signer.
func (b *BearerSigner) Sign(req *http.Request) error {
	token := strings.TrimSpace(b.Token)
	if token == "" {
		return errors.New("webapi: empty bearer token")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
