// Package host defines the contract the surrounding reference-manager
// application must satisfy for this core to index and search its library.
// Every method here is implemented by the host process; refsearch only
// calls them. internal/extractor provides one concrete implementation of
// the extraction half of this contract, wired to real document parsers,
// for local testing and demonstration.
package host

import "time"

// ItemKey identifies a library item. Opaque to the core beyond equality.
type ItemKey string

// ItemMetadata is the bibliographic information the host holds for one
// item, used to hydrate search results.
type ItemMetadata struct {
	Title           string
	Creators        []string
	Year            int
	ItemType        string
	DateModified    time.Time
	AttachmentKeys  []string
}

// NotesAndAnnotations bundles the non-PDF textual content the host can
// supply for an item: its title/abstract fields plus any notes or PDF
// annotations the user has attached.
type NotesAndAnnotations struct {
	Title       string
	Abstract    string
	Notes       []string
	Annotations []string
}

// Library is the subset of the host reference-manager the indexing
// pipeline and search coordinator depend on. Implementations are supplied
// by the embedding application; refsearch never constructs one itself.
type Library interface {
	// ListRegularItems returns every item key that is a regular
	// bibliographic record — not an attachment, note, or annotation.
	ListRegularItems() ([]ItemKey, error)

	// GetItemMetadata returns the bibliographic metadata for one item.
	GetItemMetadata(key ItemKey) (ItemMetadata, error)

	// GetAttachmentModified returns the modification timestamp of one
	// attachment (used to compute an item's max attachment_modified).
	GetAttachmentModified(attachmentKey string) (time.Time, error)

	// ExtractPDFText extracts the plain text of a PDF file, honoring the
	// given timeout. Failure is expected and non-fatal to the pipeline:
	// extraction errors are logged and the item is counted processed.
	ExtractPDFText(filePath string, timeout time.Duration) (string, error)

	// GetNotesAndAnnotations returns the title/abstract/notes/annotations
	// text the host holds directly (as opposed to PDF fulltext).
	GetNotesAndAnnotations(key ItemKey) (NotesAndAnnotations, error)
}
