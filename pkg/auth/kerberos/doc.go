// Package kerberos holds the client-side Kerberos state nfsproxy uses to
// authenticate to the backend NFS server: the keytab (hot-reloaded when the
// file changes), krb5.conf, and the principal the proxy logs in as.
//
// It performs the Kerberos exchanges (AS for the client principal, TGS for
// the backend's service principal) and produces the GSS-API initial context
// token carried by RPCSEC_GSS INIT. Context lifecycle lives in pkg/secctx;
// the RPCSEC_GSS wire format lives in internal/rpcwire.
//
// References:
//   - RFC 2203: RPCSEC_GSS Protocol Specification
//   - RFC 4121: The Kerberos Version 5 GSS-API Mechanism
package kerberos
