// Package idp talks to the OpenID Connect identity provider: it discovers
// endpoints, builds authorization URLs, exchanges authorization codes and
// refreshes tokens silently from cached refresh material.
//
// Access tokens returned from here are consumed immediately and never stored;
// only refresh tokens and account identities enter the cache.
package idp
