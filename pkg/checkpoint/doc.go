// Package checkpoint persists the progress of a recon scan so it can be
// resumed after a crash, an interruption or a failed batch.
//
// One scan owns one checkpoint file at
// <output>/<domain>/checkpoints/scan_state.json. Every read and write goes
// through a Store, which holds a sibling lock file for the duration of the
// operation and replaces the file atomically (temp file, fsync, rename).
//
// The file records:
//   - the status of each phase (subdomain_enumeration, alive_check,
//     vulnerability_scan) with its resume cursor
//   - scan-wide statistics, which never decrease except through ResetFrom
//   - the tool versions and template hash the scan started with
//
// Load validates the file against its schema and reports Corrupt with the
// list of issues. Repair substitutes defaults field by field and refuses
// when scan_id or domain are gone. Backups are timestamped siblings and are
// only removed by CleanupBackups.
package checkpoint
