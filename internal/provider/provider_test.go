package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type classified struct{ permanent bool }

func (c classified) Error() string   { return "classified" }
func (c classified) Permanent() bool { return c.permanent }

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "permanent", err: classified{permanent: true}, want: true},
		{name: "temporary", err: classified{permanent: false}, want: false},
		{name: "wrapped permanent", err: fmt.Errorf("send: %w", classified{permanent: true}), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}
