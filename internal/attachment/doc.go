// Package attachment reads attachment rows and binary field values from the
// ERP database for the content routes.
//
// [Store] queries Postgres through pgx. Binary fields are only read for
// model/field pairs on an explicit allow list, table and column names are
// derived from that list and quoted, never taken from the request as-is.
// Fields kept in ir_attachment are read from the row's attachment, either
// inline or from the filestore.
//
// [Cache] is an optional Redis read-through cache in front of attachment
// lookups. Cache failures never fail a request, they fall through to the
// store.
package attachment
