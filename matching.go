package invocation

import "sort"

// CollectionsToMatch is the transient, per-step-execution structure mapping
// each collection-valued input name to the collection bound to it. It is
// constructed fresh for every tool step execution and discarded afterwards.
type CollectionsToMatch struct {
	entries map[string]*matchEntry
}

type matchEntry struct {
	collection *Collection

	// subcollectionType is set when the tool input maps over a sub-level of
	// the collection's structure ("paired" for a "list:paired" value bound
	// to a paired input). Empty means element-wise iteration.
	subcollectionType string
}

// NewCollectionsToMatch creates an empty CollectionsToMatch.
func NewCollectionsToMatch() *CollectionsToMatch {
	return &CollectionsToMatch{entries: map[string]*matchEntry{}}
}

// Add records that the named input is bound to the given collection. A
// non-empty subcollectionType declares the input maps over that sub-level of
// the collection's structure.
func (c *CollectionsToMatch) Add(inputName string, collection *Collection, subcollectionType string) {
	c.entries[inputName] = &matchEntry{
		collection:        collection,
		subcollectionType: subcollectionType,
	}
}

// HasCollections reports whether any input participates in the scatter.
func (c *CollectionsToMatch) HasCollections() bool {
	return len(c.entries) > 0
}

// inputNames returns the participating input names in a stable order.
func (c *CollectionsToMatch) inputNames() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SliceBinding overrides the scalar inputs of one scattered execution: a map
// from input name to the collection element bound for that slice.
type SliceBinding map[string]*CollectionElement

// MatchedCollections is the result of matching the collections bound to a
// step: the shared element identifier sequence driving the scatter and one
// SliceBinding per element position.
type MatchedCollections struct {
	identifiers []string
	slices      []SliceBinding

	// effectiveOuterType is the structure of the implicit output
	// collections assembled after all slices complete.
	effectiveOuterType string
}

// MatchCollections validates that all collections participating in a scatter
// are compatible for lockstep iteration and produces the per-slice bindings.
// Compatibility requires identical element-identifier sequences across all
// participating collections' outer structure. Incompatibility is a
// step-level error of kind collection_mismatch.
func MatchCollections(toMatch *CollectionsToMatch) (*MatchedCollections, error) {
	if !toMatch.HasCollections() {
		return nil, nil
	}

	matched := &MatchedCollections{}
	for _, name := range toMatch.inputNames() {
		entry := toMatch.entries[name]
		collection := entry.collection
		described := DescribeCollectionType(collection.CollectionType)

		outerType := collection.CollectionType
		if entry.subcollectionType != "" {
			effective, err := described.EffectiveCollectionType(entry.subcollectionType)
			if err != nil {
				return nil, err
			}
			outerType = effective
		}

		identifiers := collection.Identifiers()
		if matched.identifiers == nil {
			matched.identifiers = identifiers
			matched.effectiveOuterType = outerType
			matched.slices = make([]SliceBinding, len(identifiers))
			for i := range matched.slices {
				matched.slices[i] = SliceBinding{}
			}
		} else {
			if !identifiersEqual(matched.identifiers, identifiers) {
				return nil, NewInvocationError(ErrorKindCollectionMismatch,
					"input %q has element identifiers incompatible with the other scattered inputs", name)
			}
			if matched.effectiveOuterType != outerType {
				return nil, NewInvocationError(ErrorKindCollectionMismatch,
					"input %q has structure %q incompatible with %q", name, outerType, matched.effectiveOuterType)
			}
		}

		for i, element := range collection.Elements {
			matched.slices[i][name] = element
		}
	}
	return matched, nil
}

// Identifiers returns the element identifiers driving the scatter, in order.
func (m *MatchedCollections) Identifiers() []string {
	return m.identifiers
}

// Slices returns one binding per matched element position. An empty donor
// collection yields zero slices, which is a successful (empty) scatter.
func (m *MatchedCollections) Slices() []SliceBinding {
	return m.slices
}

// Len returns the number of slices.
func (m *MatchedCollections) Len() int {
	return len(m.slices)
}

// EffectiveOuterType returns the collection type of assembled implicit
// output collections.
func (m *MatchedCollections) EffectiveOuterType() string {
	return m.effectiveOuterType
}

// GatherOutput assembles per-slice outputs for one declared tool output into
// the implicit result collection, in slice order. Slices whose submission
// errored carry a nil output and are skipped; the element identifiers of the
// result equal the identifiers that drove the scatter.
func (m *MatchedCollections) GatherOutput(outputName string, perSlice []HistoryContent) *Collection {
	elements := make([]*CollectionElement, 0, len(perSlice))
	for i, content := range perSlice {
		if content == nil {
			continue
		}
		element := &CollectionElement{Identifier: m.identifiers[i]}
		switch value := content.(type) {
		case *Dataset:
			element.Dataset = value
		case *Collection:
			element.Collection = value
		}
		elements = append(elements, element)
	}
	return &Collection{
		ID:             NewCollectionID(),
		Name:           outputName,
		CollectionType: m.effectiveOuterType,
		Elements:       elements,
	}
}

func identifiersEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
