// Package cryptoutil holds the digests used to validate and identify content:
// SHA-256 for bundle integrity, SHA-1 for attachment checksums (the format the
// attachment table already stores) and Adler-32 for cheap path fingerprints
// in static-file ETags. KMSVerifier checks detached bundle signatures made
// with an asymmetric KMS key.
package cryptoutil
