// Package secctx manages the security contexts nfsproxy uses on its
// backend connections.
//
// A SecurityContext is immutable. When its credential enters the renewal
// window, EnsureFresh negotiates a successor and links it from the old
// context; everyone still holding the old context follows the link on their
// next EnsureFresh call instead of renewing again.
//
//	mgr := secctx.NewManager(cfg, negotiator, metrics.NewAuthMetrics())
//	sc, err := mgr.Acquire(ctx, "nfs@server", secctx.FlavorKrb5i)
//	...
//	sc, err = mgr.EnsureFresh(ctx, sc) // before every call
package secctx
