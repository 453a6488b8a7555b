package automation

import "context"

type credentialKey struct{}

// WithCredential returns ctx carrying the caller's engine credential. An
// empty credential leaves ctx unchanged.
func WithCredential(ctx context.Context, credential string) context.Context {
	if credential == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialKey{}, credential)
}

// CredentialFrom returns the credential carried by ctx, or "".
func CredentialFrom(ctx context.Context) string {
	c, _ := ctx.Value(credentialKey{}).(string)
	return c
}
