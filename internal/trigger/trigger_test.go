package trigger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanFindsTriggerWordsAndFlags(t *testing.T) {
	observed, flags := Scan("everyone RALLY at the checkpoint, also moon_crash now")
	require.Contains(t, observed, "rally")
	require.Contains(t, observed, "moon_crash")
	require.Equal(t, []string{FlagMoonCrash}, flags)
}

func TestScanStandDown(t *testing.T) {
	_, flags := Scan("please stand_down everyone")
	require.Equal(t, []string{FlagStandDown}, flags)
}

func TestScanNoTriggers(t *testing.T) {
	observed, flags := Scan("just a normal status update")
	require.Empty(t, observed)
	require.Empty(t, flags)
}

func TestFormatCodebookListsAllNine(t *testing.T) {
	text := FormatCodebook()
	require.Len(t, Words, 9)
	for _, w := range Words {
		require.Contains(t, text, w.Word)
	}
}
