package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/annex-server/annex/internal/vrp"
)

func TestMeetsAlignment(t *testing.T) {
	tests := []struct {
		status  vrp.AlignmentStatus
		minimum vrp.AlignmentStatus
		want    bool
	}{
		{vrp.Aligned, vrp.Aligned, true},
		{vrp.Partial, vrp.Aligned, false},
		{vrp.Conflict, vrp.Aligned, false},
		{vrp.Aligned, vrp.Partial, true},
		{vrp.Partial, vrp.Partial, true},
		{vrp.Conflict, vrp.Partial, false},
		{vrp.Aligned, vrp.Conflict, true},
		{vrp.Partial, vrp.Conflict, true},
		{vrp.Conflict, vrp.Conflict, true},
	}

	for _, tc := range tests {
		got := MeetsAlignment(tc.status, tc.minimum)
		assert.Equal(t, tc.want, got, "status=%s minimum=%s", tc.status, tc.minimum)
	}
}
