package invocation

import (
	"sort"
	"sync"

	"go.jetify.com/typeid"
)

// ContentType distinguishes the two kinds of history content.
type ContentType string

const (
	ContentTypeDataset    ContentType = "dataset"
	ContentTypeCollection ContentType = "dataset_collection"
)

// HistoryContent is a dataset or dataset collection living in a history.
type HistoryContent interface {
	ContentType() ContentType
	ContentID() string
}

// DatasetState represents the materialization state of a dataset.
type DatasetState string

const (
	DatasetStateOK      DatasetState = "ok"
	DatasetStatePending DatasetState = "pending"
	DatasetStateError   DatasetState = "error"
)

// NewDatasetID returns a new id for dataset identification.
func NewDatasetID() string {
	id, err := typeid.WithPrefix("dset")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Dataset is a single piece of data in a history.
type Dataset struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Format string       `json:"format,omitempty"`
	State  DatasetState `json:"state"`

	// ElementIdentifier is set when the dataset was pulled out of a
	// collection element for a scattered execution.
	ElementIdentifier string `json:"element_identifier,omitempty"`
}

func (d *Dataset) ContentType() ContentType { return ContentTypeDataset }
func (d *Dataset) ContentID() string        { return d.ID }

// Copy returns a copy of the dataset with a fresh id.
func (d *Dataset) Copy() *Dataset {
	dup := *d
	dup.ID = NewDatasetID()
	return &dup
}

// CollectionElement is one identified element of a collection. Exactly one
// of Dataset or Collection is set.
type CollectionElement struct {
	Identifier string      `json:"identifier"`
	Dataset    *Dataset    `json:"dataset,omitempty"`
	Collection *Collection `json:"collection,omitempty"`
}

// Value returns the element's content.
func (e *CollectionElement) Value() HistoryContent {
	if e.Dataset != nil {
		return e.Dataset
	}
	return e.Collection
}

// NewCollectionID returns a new id for collection identification.
func NewCollectionID() string {
	id, err := typeid.WithPrefix("coll")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Collection is an ordered, identifier-keyed set of datasets or nested
// collections (e.g. "list", "paired", "list:paired").
type Collection struct {
	ID             string               `json:"id"`
	Name           string               `json:"name,omitempty"`
	CollectionType string               `json:"collection_type"`
	Elements       []*CollectionElement `json:"elements"`
}

func (c *Collection) ContentType() ContentType { return ContentTypeCollection }
func (c *Collection) ContentID() string        { return c.ID }

// Identifiers returns the element identifiers in order.
func (c *Collection) Identifiers() []string {
	ids := make([]string, len(c.Elements))
	for i, element := range c.Elements {
		ids[i] = element.Identifier
	}
	return ids
}

// Copy returns a copy of the collection with a fresh id. Elements are
// shared, matching the copy-on-reference behavior of history imports.
func (c *Collection) Copy() *Collection {
	dup := *c
	dup.ID = NewCollectionID()
	return &dup
}

// NewHistoryID returns a new id for history identification.
func NewHistoryID() string {
	id, err := typeid.WithPrefix("hist")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// History is the destination container for invocation inputs and outputs.
type History struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	mutex    sync.Mutex
	contents []HistoryContent
}

// NewHistory creates a named history with a fresh id.
func NewHistory(name string) *History {
	return &History{ID: NewHistoryID(), Name: name}
}

// Add appends content to the history.
func (h *History) Add(content HistoryContent) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.contents = append(h.contents, content)
}

// Contents returns a snapshot of the history's contents.
func (h *History) Contents() []HistoryContent {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	snapshot := make([]HistoryContent, len(h.contents))
	copy(snapshot, h.contents)
	return snapshot
}

// HistoryStore provides access to histories by id.
type HistoryStore interface {
	GetHistory(id string) (*History, bool)
	AddHistory(h *History)
}

// MemoryHistoryStore implements HistoryStore in memory.
type MemoryHistoryStore struct {
	mutex     sync.RWMutex
	histories map[string]*History
}

// NewMemoryHistoryStore creates a new in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{histories: map[string]*History{}}
}

func (s *MemoryHistoryStore) GetHistory(id string) (*History, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	h, ok := s.histories[id]
	return h, ok
}

func (s *MemoryHistoryStore) AddHistory(h *History) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.histories[h.ID] = h
}

// ListHistories returns the stored histories sorted by name.
func (s *MemoryHistoryStore) ListHistories() []*History {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	histories := make([]*History, 0, len(s.histories))
	for _, h := range s.histories {
		histories = append(histories, h)
	}
	sort.Slice(histories, func(i, j int) bool { return histories[i].Name < histories[j].Name })
	return histories
}

// InputSourceKind names the source a run request input reference resolves
// through.
type InputSourceKind string

const (
	SourceDataset    InputSourceKind = "dataset"
	SourceCollection InputSourceKind = "dataset_collection"
	SourceLibrary    InputSourceKind = "library_dataset"
	SourceUUID       InputSourceKind = "uuid"
	SourceValue      InputSourceKind = "value"
)

// ContentResolver resolves externally-referenced content by source kind and
// id. The run request builder and the module injector consult it.
type ContentResolver interface {
	Resolve(kind InputSourceKind, id string) (HistoryContent, error)
}

// ContentRegistrar is implemented by resolvers that can index newly
// produced content. The invoker registers every realized step output so a
// later pass can resolve the durable record references back to content.
type ContentRegistrar interface {
	Register(content HistoryContent)
}

// AccessChecker is the access-control collaborator. Every externally
// referenced dataset or collection is checked before it is bound; failure is
// a hard request error.
type AccessChecker interface {
	CanAccess(roles []string, content HistoryContent) bool
}

// MemoryContentResolver implements ContentResolver over registered contents.
type MemoryContentResolver struct {
	mutex    sync.RWMutex
	contents map[string]HistoryContent
}

// NewMemoryContentResolver creates a new in-memory content resolver.
func NewMemoryContentResolver() *MemoryContentResolver {
	return &MemoryContentResolver{contents: map[string]HistoryContent{}}
}

// Register makes content resolvable by its id.
func (r *MemoryContentResolver) Register(content HistoryContent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.contents[content.ContentID()] = content
}

func (r *MemoryContentResolver) Resolve(kind InputSourceKind, id string) (HistoryContent, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	content, ok := r.contents[id]
	if !ok {
		return nil, NewValidationError("cannot resolve %s input %q", kind, id)
	}
	switch kind {
	case SourceDataset, SourceLibrary, SourceUUID:
		if content.ContentType() != ContentTypeDataset {
			return nil, NewValidationError("input %q is not a dataset", id)
		}
	case SourceCollection:
		if content.ContentType() != ContentTypeCollection {
			return nil, NewValidationError("input %q is not a dataset collection", id)
		}
	default:
		return nil, NewValidationError("unknown input source %q", kind)
	}
	return content, nil
}

// AllowAllAccess is an AccessChecker that permits everything. It stands in
// for the excluded role/permission model in tests and local runs.
type AllowAllAccess struct{}

func (AllowAllAccess) CanAccess(roles []string, content HistoryContent) bool { return true }

var (
	_ HistoryContent = (*Dataset)(nil)
	_ HistoryContent = (*Collection)(nil)
)
