// Package rpcwire encodes and decodes the ONC RPC messages nfsproxy exchanges
// with the backend NFS server over TCP.
//
// It covers record marking (RFC 5531 Section 11), call and reply headers,
// AUTH_NONE and AUTH_SYS credentials, and the RPCSEC_GSS credential,
// verifier and body protection (RFC 2203, with RFC 4121 krb5 tokens).
//
// The package is role-aware: every GSS helper takes the Role of the sender
// so the same code produces proxy (initiator) calls and verifies backend
// (acceptor) replies.
package rpcwire
