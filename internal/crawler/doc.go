// Package crawler defines the core types shared by the statement crawler
// subsystems: work items, proxy endpoints, fetch requests and responses,
// emitted records, the error taxonomy, and the interfaces that connect the
// fetcher, proxy directory, extractor, and record sinks.
package crawler
