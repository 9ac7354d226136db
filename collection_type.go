package invocation

import "strings"

// CollectionTypeDescription is an abstraction over a collection type string
// ("list", "paired", "list:paired", ...) that answers structural questions
// used by the matcher: whether one type contains subcollections of another,
// and what the effective outer type is when mapping over a subcollection.
type CollectionTypeDescription struct {
	collectionType string
}

// DescribeCollectionType wraps a collection type string.
func DescribeCollectionType(collectionType string) CollectionTypeDescription {
	return CollectionTypeDescription{collectionType: collectionType}
}

// CollectionType returns the raw type string.
func (d CollectionTypeDescription) CollectionType() string {
	return d.collectionType
}

// HasSubcollections reports whether the type nests further collections.
func (d CollectionTypeDescription) HasSubcollections() bool {
	return strings.Contains(d.collectionType, ":")
}

// HasSubcollectionsOfType reports whether this collection contains proper
// subcollections matching the other type. A type is not considered to have
// subcollections of its own type.
func (d CollectionTypeDescription) HasSubcollectionsOfType(other string) bool {
	return d.collectionType != other && strings.HasSuffix(d.collectionType, other)
}

// IsSubcollectionOfType reports whether this type can appear as a proper
// subcollection of the other type.
func (d CollectionTypeDescription) IsSubcollectionOfType(other string) bool {
	return DescribeCollectionType(other).HasSubcollectionsOfType(d.collectionType)
}

// CanMatchType reports whether the other type matches this one exactly.
func (d CollectionTypeDescription) CanMatchType(other string) bool {
	return d.collectionType == other
}

// EffectiveCollectionType returns the outer structure left over when mapping
// this type over the given subcollection type. For instance mapping
// "list:paired" over "paired" leaves "list".
func (d CollectionTypeDescription) EffectiveCollectionType(subcollectionType string) (string, error) {
	if !d.HasSubcollectionsOfType(subcollectionType) {
		return "", NewInvocationError(ErrorKindCollectionMismatch,
			"cannot compute effective subcollection type of %q over %q", subcollectionType, d.collectionType)
	}
	return d.collectionType[:len(d.collectionType)-len(subcollectionType)-1], nil
}

// SubcollectionType returns the type one level down, e.g. "paired" for
// "list:paired".
func (d CollectionTypeDescription) SubcollectionType() (string, error) {
	if !d.HasSubcollections() {
		return "", NewInvocationError(ErrorKindCollectionMismatch,
			"cannot take subcollection type of flat type %q", d.collectionType)
	}
	_, sub, _ := strings.Cut(d.collectionType, ":")
	return sub, nil
}

// RankCollectionType returns the top-level collection type, e.g. "list" for
// "list:paired".
func (d CollectionTypeDescription) RankCollectionType() string {
	rank, _, _ := strings.Cut(d.collectionType, ":")
	return rank
}

// Dimension returns the nesting depth plus one, matching the rank convention
// used when multiplying structures.
func (d CollectionTypeDescription) Dimension() int {
	return strings.Count(d.collectionType, ":") + 2
}

// CanMapOver decides whether a tool input declaring the given acceptable
// collection types can be mapped over a value of the given type, and if so
// returns the subcollection type each slice binds. An empty accepted list
// means the input takes flat dataset collections only, so any collection of
// datasets maps element-wise.
func CanMapOver(acceptedTypes []string, valueType string) (subcollectionType string, ok bool) {
	value := DescribeCollectionType(valueType)
	for _, accepted := range acceptedTypes {
		if value.HasSubcollectionsOfType(accepted) {
			return accepted, true
		}
	}
	return "", false
}
