// Package crawler defines the domain types shared by the listing monitor:
// monitored targets, scrape options and results, persisted matches,
// notifications, and the collaborator interfaces (stores, fetcher, queue,
// clock) the engine is wired from.
package crawler
