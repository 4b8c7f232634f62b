// Package blobstream parses a stream of key/value blobs into typed records.
//
// # Blob Format
//
// A blob file is plain text made of repeated blobs. Each blob is a run of lines, one
// key/value pair per line, closed by a line that holds only the blob-end sentinel:
//
//	id=1
//	name=Ottawa
//	location=Canada
//	EOB
//	id=2
//	name=New York
//	EOB
//
// The separators and the sentinel come from a [schema.Schema]. The defaults are "\n"
// between lines, "=" between key and value and "EOB" as the sentinel.
//
// # Lines
//
//   - A line is split on the first key/value delimiter only, so "url=a=b" stores the
//     value "a=b" under "url".
//   - A line without the delimiter is skipped.
//   - A repeated key inside one blob overwrites the earlier value.
//   - A sentinel line with no pending pairs produces nothing.
//
// # Values
//
// Values are coerced according to the field type declared in the schema:
//
//   - int: int64, float64 beyond the int64 range, or NaN when the text is not a number
//   - float: float64, or NaN; words like "inf" are not numbers
//   - boolean / bool: true only for "true" (case-insensitive, surrounding space ignored)
//   - date: time.Time in UTC when no zone is given, or the zero time when unparseable
//   - anything else, including keys the schema does not declare: the raw string
//
// # End of input
//
// Input is consumed in chunks of arbitrary size. A trailing line without a terminating
// delimiter and a blob without a closing sentinel are dropped when the input ends,
// unless the stream uses [EmitPartial].
package blobstream
