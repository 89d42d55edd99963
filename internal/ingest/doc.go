// Package ingest finalizes submission groups into scheduled posts.
//
// Attachments are saved into the group's namespace of the media store as they
// arrive. The caption commits the group: references are listed back in a
// stable order, a publish slot is allocated and the post is appended to the
// schedule store.
package ingest
