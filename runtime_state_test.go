package invocation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntimeStateRoundTrip(t *testing.T) {
	state := NewRuntimeState()
	state["threshold"] = 0.5
	state["label"] = "run 1"
	state["cond|mode"] = "strict"
	state.SetRuntimePostActions([]*PostAction{
		{ActionType: PostActionRename, OutputName: "out_file1", Arguments: map[string]string{"newname": "renamed"}},
	})

	encoded, err := state.Encode()
	require.NoError(t, err)

	decoded, err := DecodeRuntimeState(encoded)
	require.NoError(t, err)
	require.Equal(t, 0.5, decoded["threshold"])
	require.Equal(t, "run 1", decoded["label"])
	require.Equal(t, "strict", decoded["cond|mode"])

	actions := decoded.RuntimePostActions()
	require.Len(t, actions, 1)
	require.Equal(t, PostActionRename, actions[0].ActionType)
	require.Equal(t, "renamed", actions[0].Arguments["newname"])

	// An encode of the decoded state decodes to the same values again.
	reencoded, err := decoded.Encode()
	require.NoError(t, err)
	redecoded, err := DecodeRuntimeState(reencoded)
	require.NoError(t, err)
	require.Equal(t, decoded["threshold"], redecoded["threshold"])
}

func TestDecodeRuntimeStateEmpty(t *testing.T) {
	state, err := DecodeRuntimeState(nil)
	require.NoError(t, err)
	require.Empty(t, state)
}

func TestCheckParamValue(t *testing.T) {
	t.Run("required value missing", func(t *testing.T) {
		input := &ToolInput{Name: "x", Kind: ParamKindText}
		require.NotEmpty(t, checkParamValue(input, nil))
	})

	t.Run("optional value missing", func(t *testing.T) {
		input := &ToolInput{Name: "x", Kind: ParamKindText, Optional: true}
		require.Empty(t, checkParamValue(input, nil))
	})

	t.Run("text", func(t *testing.T) {
		input := &ToolInput{Name: "x", Kind: ParamKindText}
		require.Empty(t, checkParamValue(input, "ok"))
		require.NotEmpty(t, checkParamValue(input, 42))
	})

	t.Run("integer accepts whole floats", func(t *testing.T) {
		input := &ToolInput{Name: "x", Kind: ParamKindInteger}
		require.Empty(t, checkParamValue(input, 3))
		require.Empty(t, checkParamValue(input, float64(3)))
		require.NotEmpty(t, checkParamValue(input, 3.5))
	})

	t.Run("boolean", func(t *testing.T) {
		input := &ToolInput{Name: "x", Kind: ParamKindBoolean}
		require.Empty(t, checkParamValue(input, true))
		require.NotEmpty(t, checkParamValue(input, "true"))
	})

	t.Run("data accepts datasets and collections", func(t *testing.T) {
		input := &ToolInput{Name: "x", Kind: ParamKindData}
		require.Empty(t, checkParamValue(input, &Dataset{ID: "d"}))
		require.Empty(t, checkParamValue(input, &Collection{ID: "c", CollectionType: "list"}))
	})

	t.Run("collection rejects datasets", func(t *testing.T) {
		input := &ToolInput{Name: "x", Kind: ParamKindCollection}
		require.NotEmpty(t, checkParamValue(input, &Dataset{ID: "d"}))
	})
}

func TestPostActionImmediacy(t *testing.T) {
	require.True(t, (&PostAction{ActionType: PostActionRename}).Immediate())
	require.True(t, (&PostAction{ActionType: PostActionHide}).Immediate())
	require.True(t, (&PostAction{ActionType: PostActionChangeFormat}).Immediate())
	require.False(t, (&PostAction{ActionType: PostActionEmail}).Immediate())
}

func TestSubstituteReplacements(t *testing.T) {
	result := substituteReplacements("${prefix} mapped to ${genome}", map[string]string{
		"prefix": "sample1",
		"genome": "hg38",
	})
	require.Equal(t, "sample1 mapped to hg38", result)
}
