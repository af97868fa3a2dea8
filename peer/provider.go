package peer

import (
	"io"

	"bitruisseau/p2p-media/pkg/protocol"
)

// MediaReader gives random access to one local media file.
type MediaReader interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// CatalogProvider is the local media library served to other peers.
type CatalogProvider interface {
	ListDescriptors() ([]protocol.SongDescriptor, error)
	// OpenForRead opens the file whose content hash matches hash after normalization.
	OpenForRead(hash string) (MediaReader, error)
}
