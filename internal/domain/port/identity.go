package port

import (
	"context"
	"net/http"
)

// IdentityResolver extracts the already-authenticated caller identity from a request.
type IdentityResolver interface {
	Identify(ctx context.Context, r *http.Request) (string, error)
}
