// Package collection defines the namespace unit that isolates one
// dataset's blobs, task records, and index from all others.
//
// Every blob store and task store operation is scoped by a collection;
// no entity from one collection is addressable from another.
package collection
