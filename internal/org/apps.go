// Package org describes the apps installed in an organization.
package org

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Icon is one app icon as published in the app's content.
type Icon struct {
	Src   string `json:"src" yaml:"src"`
	Sizes string `json:"sizes" yaml:"sizes"`
}

// App is an installed app as reported by the organization kernel.
type App struct {
	AppID           string         `json:"appId" yaml:"app_id"`
	Name            string         `json:"name" yaml:"name"`
	ProxyAddress    common.Address `json:"proxyAddress" yaml:"proxy_address"`
	ContractAddress common.Address `json:"contractAddress" yaml:"contract_address"`
	KernelAddress   common.Address `json:"kernelAddress" yaml:"kernel_address"`
	Identifier      string         `json:"identifier,omitempty" yaml:"identifier"`
	IsForwarder     bool           `json:"isForwarder" yaml:"is_forwarder"`
	Content         string         `json:"content,omitempty" yaml:"content"`
	Icons           []Icon         `json:"icons,omitempty" yaml:"icons"`
}

// Info is the reduced view of an App handed to app code.
type Info struct {
	AppAddress               common.Address `json:"appAddress"`
	AppID                    string         `json:"appId"`
	AppImplementationAddress common.Address `json:"appImplementationAddress"`
	KernelAddress            common.Address `json:"kernelAddress"`
	Identifier               string         `json:"identifier,omitempty"`
	Name                     string         `json:"name"`
	IsForwarder              bool           `json:"isForwarder"`
	Icons                    []Icon         `json:"icons,omitempty"`
}

// ContentPathFunc resolves an icon path inside an app's published content.
type ContentPathFunc func(content, path string) string

// Transform reduces apps to Info. When contentPath is nil, icons are dropped.
func Transform(apps []App, contentPath ContentPathFunc) []Info {
	out := make([]Info, 0, len(apps))
	for _, a := range apps {
		info := Info{
			AppAddress:               a.ProxyAddress,
			AppID:                    a.AppID,
			AppImplementationAddress: a.ContractAddress,
			KernelAddress:            a.KernelAddress,
			Identifier:               a.Identifier,
			Name:                     a.Name,
			IsForwarder:              a.IsForwarder,
		}
		if contentPath != nil {
			for _, ic := range a.Icons {
				info.Icons = append(info.Icons, Icon{Src: contentPath(a.Content, ic.Src), Sizes: ic.Sizes})
			}
		}
		out = append(out, info)
	}
	return out
}

// Icon returns the smallest icon at least size pixels wide, or the largest
// icon when none is big enough or size < 0. Empty when the app has no icons.
func (i Info) Icon(size int) string {
	if len(i.Icons) == 0 {
		return ""
	}
	icons := append([]Icon(nil), i.Icons...)
	sort.SliceStable(icons, func(a, b int) bool { return iconWidth(icons[a]) < iconWidth(icons[b]) })
	if size >= 0 {
		for _, ic := range icons {
			if iconWidth(ic) >= size {
				return ic.Src
			}
		}
	}
	return icons[len(icons)-1].Src
}

func iconWidth(ic Icon) int {
	w, _, _ := strings.Cut(strings.ToLower(ic.Sizes), "x")
	n, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 0
	}
	return n
}

// NormalizeName lowercases name and strips spaces, the form app keys use.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "")
}

// ResolveAddress finds the proxy address of the app registered under key,
// matching appID first and then the normalized name.
func ResolveAddress(apps []App, key, appID string) (common.Address, bool) {
	if appID != "" {
		for _, a := range apps {
			if strings.EqualFold(a.AppID, appID) {
				return a.ProxyAddress, true
			}
		}
	}
	for _, a := range apps {
		if a.Name != "" && NormalizeName(a.Name) == key {
			return a.ProxyAddress, true
		}
	}
	return common.Address{}, false
}

// Find returns the Info whose address is addr.
func Find(infos []Info, addr common.Address) (Info, bool) {
	for _, i := range infos {
		if i.AppAddress == addr {
			return i, true
		}
	}
	return Info{}, false
}
