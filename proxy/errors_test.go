package proxy

import (
	"errors"
	"fmt"
	"io"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quotaError struct{ limit int }

func (e *quotaError) Error() string             { return fmt.Sprintf("quota of %d exceeded", e.limit) }
func (e *quotaError) ErrorName() string         { return "QuotaError" }
func (e *quotaError) ErrorCode() string         { return "quota" }
func (e *quotaError) ErrorInfo() map[string]any { return map[string]any{"limit": e.limit} }

func TestSerializeApplicationError(t *testing.T) {
	s := SerializeError(&quotaError{limit: 3})
	assert.Equal(t, ErrorApplication, s.Kind)
	assert.Equal(t, "QuotaError", s.Name)
	assert.Equal(t, "quota of 3 exceeded", s.Message)
	assert.Equal(t, "quota", s.Code)
	assert.Equal(t, map[string]any{"limit": 3}, s.Info)

	err := DeserializeError(s)
	assert.Equal(t, "quota of 3 exceeded", err.Error())
	assert.ErrorIs(t, err, ErrApplication)
	assert.NotErrorIs(t, err, ErrCapability)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "QuotaError", remote.Name())
	assert.Equal(t, "quota", remote.ErrorCode())
}

func TestSerializeKeepsKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("reading member: %w", unexposedMember("c", "m"))
	s := SerializeError(err)
	assert.Equal(t, ErrorCapability, s.Kind)
	require.NotNil(t, s.Cause)
	assert.Equal(t, CodeUnexposedMember, s.Cause.Code)

	remote := DeserializeError(s)
	assert.Equal(t, err.Error(), remote.Error())
	assert.ErrorIs(t, remote, ErrCapability)
	var cause *RemoteError
	require.ErrorAs(t, errors.Unwrap(remote), &cause)
	assert.Equal(t, CodeUnexposedMember, cause.ErrorCode())
}

func TestSerializeStack(t *testing.T) {
	s := SerializeError(pkgerrors.New("with stack"))
	assert.Contains(t, s.Stack, "TestSerializeStack")

	s = SerializeError(errors.New("no stack"))
	assert.Empty(t, s.Stack)
	assert.Equal(t, "*errors.errorString", s.Name)
}

func TestRemoteSentinelMatches(t *testing.T) {
	remote := DeserializeError(SerializeError(io.EOF))
	assert.ErrorIs(t, remote, io.EOF)
	assert.NotErrorIs(t, remote, io.ErrUnexpectedEOF)
}

func TestRemoteErrorRelays(t *testing.T) {
	s := SerializeError(notStream("c", "m"))
	relayed := SerializeError(DeserializeError(s))
	assert.Equal(t, *s, *relayed)
}

func TestNotFoundMatchesByCode(t *testing.T) {
	err := subscriptionNotFound("c", "s")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrCapability)
	assert.ErrorIs(t, DeserializeError(SerializeError(err)), ErrNotFound)
	assert.NotErrorIs(t, unexposedMember("c", "m"), ErrNotFound)
}

func TestPanicError(t *testing.T) {
	cause := errors.New("inner")
	err := newPanicError(cause)
	assert.Equal(t, "panic: inner", err.Error())
	assert.ErrorIs(t, err, cause)
	s := SerializeError(err)
	assert.Equal(t, "PanicError", s.Name)
	assert.NotEmpty(t, s.Stack)
}

func TestDeserializeNil(t *testing.T) {
	assert.ErrorIs(t, DeserializeError(nil), ErrProtocol)
}
