// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AssetKind identifies which TorBox job family an item belongs to.
type AssetKind int

const (
	AssetTorrents AssetKind = iota + 1
	AssetUsenet
	AssetWebDL
)

// ParseAssetKind accepts the identifiers used by the dashboard ("torrents", "usenet", "webdl").
func ParseAssetKind(raw string) (AssetKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "torrents", "torrent":
		return AssetTorrents, nil
	case "usenet":
		return AssetUsenet, nil
	case "webdl", "webdownloads", "web":
		return AssetWebDL, nil
	default:
		return 0, fmt.Errorf("unknown asset type %q", raw)
	}
}

func (k AssetKind) String() string {
	switch k {
	case AssetTorrents:
		return "torrents"
	case AssetUsenet:
		return "usenet"
	case AssetWebDL:
		return "webdl"
	default:
		return "unknown"
	}
}

func (k AssetKind) Valid() bool {
	switch k {
	case AssetTorrents, AssetUsenet, AssetWebDL:
		return true
	default:
		return false
	}
}

// IDParam is the query parameter TorBox uses for the item id when requesting a link.
func (k AssetKind) IDParam() string {
	switch k {
	case AssetTorrents:
		return "torrent_id"
	case AssetUsenet:
		return "usenet_id"
	case AssetWebDL:
		return "web_id"
	default:
		return ""
	}
}

// RequestLinkPath is the TorBox endpoint that issues download links for this kind.
func (k AssetKind) RequestLinkPath() string {
	switch k {
	case AssetTorrents:
		return "/torrents/requestdl"
	case AssetUsenet:
		return "/usenet/requestdl"
	case AssetWebDL:
		return "/webdl/requestdl"
	default:
		return ""
	}
}

// ListPath is the TorBox endpoint listing the caller's jobs of this kind.
func (k AssetKind) ListPath() string {
	switch k {
	case AssetTorrents:
		return "/torrents/mylist"
	case AssetUsenet:
		return "/usenet/mylist"
	case AssetWebDL:
		return "/webdl/mylist"
	default:
		return ""
	}
}

// ControlPath is the TorBox endpoint accepting control operations (delete, ...).
func (k AssetKind) ControlPath() string {
	switch k {
	case AssetTorrents:
		return "/torrents/controltorrent"
	case AssetUsenet:
		return "/usenet/controlusenetdownload"
	case AssetWebDL:
		return "/webdl/controlwebdownload"
	default:
		return ""
	}
}

// ControlIDField is the JSON field carrying the item id in control requests.
func (k AssetKind) ControlIDField() string {
	switch k {
	case AssetTorrents:
		return "torrent_id"
	case AssetUsenet:
		return "usenet_id"
	case AssetWebDL:
		return "webdl_id"
	default:
		return ""
	}
}

func (k AssetKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *AssetKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseAssetKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
