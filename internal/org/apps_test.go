package org

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	forumAddr = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func installed() []App {
	return []App{
		{Name: "Vault", AppID: "0xvault", ProxyAddress: vaultAddr},
		{Name: "Forum", AppID: "0xdiscussions", ProxyAddress: forumAddr, Content: "ipfs:Qm1",
			Icons: []Icon{{Src: "images/icon-64.svg", Sizes: "64x64"}, {Src: "images/icon-22.svg", Sizes: "22x22"}}},
	}
}

func TestResolveAddress(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		appID string
		want  common.Address
		ok    bool
	}{
		{"by_name", "forum", "", forumAddr, true},
		{"by_app_id", "discussions", "0xDISCUSSIONS", forumAddr, true},
		{"app_id_miss_falls_back_to_name", "vault", "0xnone", vaultAddr, true},
		{"missing", "finance", "", common.Address{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveAddress(installed(), tt.key, tt.appID)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("ResolveAddress(%q,%q) = %s,%v want %s,%v", tt.key, tt.appID, got.Hex(), ok, tt.want.Hex(), tt.ok)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("App Center"); got != "appcenter" {
		t.Fatalf("got %q", got)
	}
}

func TestTransformAndIcons(t *testing.T) {
	infos := Transform(installed(), func(content, path string) string { return content + "/" + path })
	if len(infos) != 2 {
		t.Fatalf("expected 2 infos, got %d", len(infos))
	}
	forum, ok := Find(infos, forumAddr)
	if !ok {
		t.Fatalf("forum not found")
	}
	if forum.AppID != "0xdiscussions" || forum.Name != "Forum" {
		t.Fatalf("unexpected info %+v", forum)
	}
	if got := forum.Icon(16); got != "ipfs:Qm1/images/icon-22.svg" {
		t.Fatalf("icon(16) = %q", got)
	}
	if got := forum.Icon(40); got != "ipfs:Qm1/images/icon-64.svg" {
		t.Fatalf("icon(40) = %q", got)
	}
	if got := forum.Icon(-1); got != "ipfs:Qm1/images/icon-64.svg" {
		t.Fatalf("icon(-1) = %q", got)
	}

	bare := Transform(installed(), nil)
	if bare[1].Icon(22) != "" {
		t.Fatalf("icons should be dropped without a content resolver")
	}
}
