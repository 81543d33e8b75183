// Package crawler holds the domain model shared by the registry crawler:
// entities, relations, stats, the error taxonomy, and the interfaces that
// transports, stores, and phase processors implement.
package crawler
