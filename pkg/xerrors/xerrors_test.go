package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindRemote, "create", "annotation", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindRemote},
		{name: "double wrapped", err: Wrap(KindBusy, "upload", "", wrapped), kind: KindBusy},
		{name: "context canceled", err: context.Canceled, kind: KindCanceled},
		{name: "deadline", err: context.DeadlineExceeded, kind: KindCanceled},
		{name: "iofs permission", err: iofs.ErrPermission, kind: KindIO},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindUnsupportedType, "encode", "clip.mov", errors.New("video/quicktime"))
	assert.Equal(t, "encode: unsupported media type clip.mov: video/quicktime", err.Error())
	assert.Equal(t, "validate: invalid", E(KindInvalid, "validate", "").Error())
	assert.Nil(t, Wrap(KindIO, "read", "x", nil))
	assert.True(t, Is(err, KindUnsupportedType))
	assert.False(t, Is(nil, KindInvalid))
}
