// Package storage provides DiskSet, an append-only, deduplicated key set
// backed by a file.
//
// Large subdomain and host lists do not fit comfortably in memory, so the
// file is the source of truth and only a bounded LRU of recently seen keys
// is held in memory. The cache only short-circuits membership checks: a miss
// falls back to scanning the file, so a cache of any size (or none) gives the
// same answers.
//
// Usage:
//
//	set, err := storage.OpenDiskSet("output/example.com/subdomains.txt", 10000)
//	if err != nil {
//	    return err
//	}
//	defer set.Close()
//
//	added, err := set.AddAll(hosts)
//	if err := set.Sync(); err != nil {
//	    return err
//	}
//
//	it := set.Iter()
//	defer it.Close()
//	for it.Next() {
//	    fmt.Println(it.Key())
//	}
//	return it.Err()
package storage
