package daemon

import (
	"os"
	"testing"
)

func TestSampleRSSBytesReturnsPositiveForSelf(t *testing.T) {
	rss := sampleRSSBytes(os.Getpid())
	if rss <= 0 {
		t.Fatalf("sampleRSSBytes(self) = %d, want > 0", rss)
	}
}

func TestSampleRSSBytesZeroForInvalidPID(t *testing.T) {
	if got := sampleRSSBytes(0); got != 0 {
		t.Fatalf("sampleRSSBytes(0) = %d, want 0", got)
	}
}
