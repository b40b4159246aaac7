package update

import (
	"fmt"
	"runtime"
	"testing"
)

func TestPlatformAssetURL(t *testing.T) {
	arch := runtime.GOARCH
	if arch == "amd64" {
		arch = "x86_64"
	}
	native := fmt.Sprintf("capstan_%s_%s.tar.gz", runtime.GOOS, arch)

	u := New("v1.0.0")
	assets := []githubAsset{
		{Name: "capstan_plan9_mips.tar.gz", BrowserDownloadURL: "https://example.com/wrong"},
		{Name: native, BrowserDownloadURL: "https://example.com/right"},
	}
	if got := u.platformAssetURL(assets); got != "https://example.com/right" {
		t.Errorf("platformAssetURL = %q, want the native asset", got)
	}

	if got := u.platformAssetURL(nil); got != "" {
		t.Errorf("platformAssetURL(nil) = %q, want empty", got)
	}
}
