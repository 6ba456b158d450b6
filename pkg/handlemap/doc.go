// Package handlemap is the persistent handle translation store.
//
// It maps the fixed-size local handles handed to clients onto the remote
// handles issued by the backend server. Entries are partitioned into shards
// by a hash of the local handle. Each shard keeps an in-memory chained hash
// table for lookups and a badger database for durability:
//
//	<databases_directory>/MANIFEST
//	<databases_directory>/gen-<uuid>/shard.00/
//	<databases_directory>/gen-<uuid>/shard.01/
//	...
//
// MANIFEST names the live generation. Rebuild and Restore write a new
// generation under temp_directory, move it next to the live one and then
// replace MANIFEST atomically; that rename is the only commit point.
package handlemap
