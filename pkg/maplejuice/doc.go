// Package maplejuice schedules map ("maple") and reduce ("juice") jobs over
// the cluster. The master node accepts one job at a time, splits its inputs
// into missions and hands each mission to a worker on the job port:
//
//	maple_start <exe> <dest_prefix> <id> <files...>
//	juice_start <exe> <dest> <id> <bucket_prefixes...>
//
// The worker answers <kind>_mission_receive, then <kind>_mission_finished once
// the executable has run, then <kind>_mission_uploaded once its outputs are in
// the file store. A connection that breaks before the last reply fails the
// mission, which is then handed, unchanged, to a worker that already finished
// one of its own.
//
// Maple output lines are split by the hash of their first token into files
// named {dest_prefix}_{bucket}_{mission}. Juice groups those files by bucket,
// and each worker writes {dest}_{mission}; the master merges them into {dest}.
package maplejuice
