package theme

import (
	"bytes"
	"strings"
	"testing"
)

func TestBannerNamesTool(t *testing.T) {
	var buf bytes.Buffer
	WriteBanner(&buf)
	if !strings.Contains(buf.String(), "FOGCNN") || strings.Count(buf.String(), "\n") != 4 {
		t.Fatalf("unexpected banner:\n%s", buf.String())
	}
}
