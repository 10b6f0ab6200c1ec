// Package auth owns EchoStream accounts and access tokens.
//
// Tokens are HS256 JWTs. Browsers receive them in an HTTP-only cookie,
// other clients read them from the login response and send a bearer header.
// Both the REST handlers and the realtime gateway resolve the caller through
// TokenManager.Authenticate.
package auth
