package telemetry

import (
	"context"
	"encoding/hex"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys. RPC keys follow the OpenTelemetry RPC conventions.
const (
	AttrRPCSystem    = "rpc.system"
	AttrRPCXID       = "rpc.xid"
	AttrRPCProgram   = "rpc.program"
	AttrRPCVersion   = "rpc.version"
	AttrRPCProcedure = "rpc.procedure"
	AttrRPCFlavor    = "rpc.auth_flavor"
	AttrPeerAddress  = "net.peer.address"
	AttrSessionID    = "nfsproxy.session_id"

	AttrHandle     = "handlemap.handle"
	AttrShard      = "handlemap.shard"
	AttrGeneration = "handlemap.generation"
	AttrEntries    = "handlemap.entries"
	AttrDropped    = "handlemap.dropped"

	AttrPrincipal = "auth.principal"
)

// Span names.
const (
	SpanRPCCall       = "rpc.call"
	SpanRPCConnect    = "rpc.connect"
	SpanGSSInit       = "rpcsec_gss.init"
	SpanCredAcquire   = "secctx.acquire"
	SpanMapRebuild    = "handlemap.rebuild"
	SpanMapCollect    = "handlemap.collect"
	SpanMapSnapshot   = "handlemap.snapshot"
	SpanArchiveUpload = "archive.upload"
)

// RPCXID returns an attribute for an RPC transaction ID.
func RPCXID(xid uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCXID, int64(xid))
}

// Procedure returns an attribute for an RPC procedure number.
func Procedure(proc uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCProcedure, int64(proc))
}

// PeerAddress returns an attribute for the backend address.
func PeerAddress(addr string) attribute.KeyValue {
	return attribute.String(AttrPeerAddress, addr)
}

// SessionID returns an attribute for a backend session.
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// Flavor returns an attribute for the security flavor.
func Flavor(f string) attribute.KeyValue {
	return attribute.String(AttrRPCFlavor, f)
}

// Principal returns an attribute for a Kerberos principal.
func Principal(p string) attribute.KeyValue {
	return attribute.String(AttrPrincipal, p)
}

// Handle returns an attribute for a file handle in hex.
func Handle(h []byte) attribute.KeyValue {
	return attribute.String(AttrHandle, hex.EncodeToString(h))
}

// Shard returns an attribute for a handle map shard.
func Shard(i int) attribute.KeyValue {
	return attribute.Int(AttrShard, i)
}

// Generation returns an attribute for a handle map generation.
func Generation(g string) attribute.KeyValue {
	return attribute.String(AttrGeneration, g)
}

// Entries returns an attribute for an entry count.
func Entries(n int) attribute.KeyValue {
	return attribute.Int(AttrEntries, n)
}

// Dropped returns an attribute for discarded entries.
func Dropped(n int) attribute.KeyValue {
	return attribute.Int(AttrDropped, n)
}

// StartRPCSpan starts a client span for one backend call.
func StartRPCSpan(ctx context.Context, program, version, proc uint32, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String(AttrRPCSystem, "onc_rpc"),
		attribute.Int64(AttrRPCProgram, int64(program)),
		attribute.Int64(AttrRPCVersion, int64(version)),
		Procedure(proc),
	}
	return StartSpan(ctx, SpanRPCCall,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(base, attrs...)...),
	)
}

// StartHandleMapSpan starts an internal span for a handle map maintenance task.
func StartHandleMapSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}
