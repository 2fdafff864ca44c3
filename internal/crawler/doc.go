// Package crawler holds the domain model shared by the storage, guard,
// fetcher, parser and worker packages: jobs, documents, frontier items and
// the interfaces each subsystem implements.
package crawler
