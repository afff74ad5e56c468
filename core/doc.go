// Package core contains the canonical ingestion domain contracts, entities,
// and error taxonomy. Lower-level adapters must depend on this package; core
// must not depend on connector-specific or transport-specific adapters.
package core
