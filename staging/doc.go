// Package staging provisions and reclaims intermediate storage for staged
// clone sessions.
//
// A staged clone decouples source and target in time: the source agent
// uploads the disk image into a staging allocation, and the target agent
// later downloads it. Each allocation is a timestamped generation under a
// destination path:
//
//	<destination>/<ISO-8601 timestamp>/
//
// Generations are never overwritten in place. Retention is count-based per
// destination: the N most recent generations are kept regardless of which
// session produced them, and older ones are deleted whole.
//
// Three backend kinds are supported, selected by location URI:
//
//   - file:///exports/staging - a filesystem directory, typically an NFS
//     mount shared with the boot agents
//   - block:///var/lib/clone/luns - a pool of sparse LUN backing files for
//     block targets exported by an external iSCSI daemon
//   - s3://bucket/prefix?region=us-west-2 - object storage, with each
//     generation occupying one key prefix
//
// Reservation failures surface as interfaces.ErrProvisioningFailure; a
// staged session must never leave pending with unreserved staging.
package staging
