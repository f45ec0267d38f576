// Package crawler defines the types, interfaces and error taxonomy shared by the
// crawl-and-normalize pipeline: fetchers, extractors, the normalizer, the dedup
// resolver, the storage writer and the orchestrator all speak in terms of the
// records declared here.
package crawler
