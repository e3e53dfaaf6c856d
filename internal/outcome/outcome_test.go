package outcome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{OK, 200},
		{InvalidTrigger, 400},
		{InvalidData, 400},
		{BlockedHeartbeat, 503},
		{FrozenByHeartbeat, 503},
		{BlockedAINoScore, 503},
		{BlockedAIScore, 403},
		{BlockedAddonAI, 403},
		{AIThrottled, 429},
		{BlockedSpread, 200},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.code.HTTPStatus(), "code=%s", c.code)
	}
}

func TestResultHTTPStatusPassthrough(t *testing.T) {
	r := Result{Code: BlockedAIScore, Message: "blocked"}
	require.Equal(t, 403, r.HTTPStatus())
}
