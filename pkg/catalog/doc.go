// Package catalog reads the inventory of allocatable resources.
//
// GraphQLClient talks to the event repository, FileCatalog serves a YAML
// inventory that reloads on change, and CachedClient puts a short-lived cache
// in front of either. Listings are lazy sequences: pages are only fetched as
// the caller iterates.
package catalog
