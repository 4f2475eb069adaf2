// Package vectorstore defines the retrieval index contract shared by the
// in-memory and remote implementations.
package vectorstore

import "ragchat/internal/domain"

// Storage persists chunk vectors and supports similarity search. It is the
// domain VectorIndex; the alias lets adapters depend on this package alone.
type Storage = domain.VectorIndex

// Snapshotter is implemented by indexes that can persist their contents to
// a file and restore them all-or-nothing.
type Snapshotter interface {
	SaveFile(path string) error
	LoadFile(path string) error
}
