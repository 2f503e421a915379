// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// FileSelection is the set of file ids picked inside a single item.
type FileSelection struct {
	ItemID  int64
	FileIDs []int64
}

// Selection is a snapshot of what the user picked: whole items plus per-item file sub-selections.
//
// An item present in Items is fully selected. Any Files entry for the same item is
// shadowed by it and ignored when the selection is expanded into tasks.
type Selection struct {
	Items []int64
	Files []FileSelection
}

// Empty reports whether nothing is selected.
func (s Selection) Empty() bool {
	if len(s.Items) > 0 {
		return false
	}
	for _, f := range s.Files {
		if len(f.FileIDs) > 0 {
			return false
		}
	}
	return true
}

// Conflicts returns the item ids that are both fully selected and carry file sub-selections.
func (s Selection) Conflicts() []int64 {
	whole := make(map[int64]struct{}, len(s.Items))
	for _, id := range s.Items {
		whole[id] = struct{}{}
	}

	var out []int64
	for _, f := range s.Files {
		if _, ok := whole[f.ItemID]; ok && len(f.FileIDs) > 0 && !slices.Contains(out, f.ItemID) {
			out = append(out, f.ItemID)
		}
	}
	return out
}

// Normalize drops duplicate ids and file entries shadowed by a whole-item selection.
// Order of first appearance is kept.
func (s Selection) Normalize() Selection {
	out := Selection{}
	seenItems := make(map[int64]struct{}, len(s.Items))
	for _, id := range s.Items {
		if _, dup := seenItems[id]; dup {
			continue
		}
		seenItems[id] = struct{}{}
		out.Items = append(out.Items, id)
	}

	byItem := make(map[int64]int)
	seenFiles := make(map[[2]int64]struct{})
	for _, f := range s.Files {
		if _, whole := seenItems[f.ItemID]; whole {
			continue
		}
		for _, fileID := range f.FileIDs {
			key := [2]int64{f.ItemID, fileID}
			if _, dup := seenFiles[key]; dup {
				continue
			}
			seenFiles[key] = struct{}{}

			idx, ok := byItem[f.ItemID]
			if !ok {
				idx = len(out.Files)
				byItem[f.ItemID] = idx
				out.Files = append(out.Files, FileSelection{ItemID: f.ItemID})
			}
			out.Files[idx].FileIDs = append(out.Files[idx].FileIDs, fileID)
		}
	}

	return out
}

// FileCount returns the number of individual file picks after normalisation.
func (s Selection) FileCount() int {
	n := 0
	for _, f := range s.Normalize().Files {
		n += len(f.FileIDs)
	}
	return n
}

type selectionJSON struct {
	Items []int64         `json:"items"`
	Files json.RawMessage `json:"files,omitempty"`
}

// MarshalJSON writes files as [itemId, [fileIds]] pairs, the serialised form of a JS Map.
func (s Selection) MarshalJSON() ([]byte, error) {
	pairs := make([][2]any, 0, len(s.Files))
	for _, f := range s.Files {
		ids := f.FileIDs
		if ids == nil {
			ids = []int64{}
		}
		pairs = append(pairs, [2]any{f.ItemID, ids})
	}

	items := s.Items
	if items == nil {
		items = []int64{}
	}

	files, err := json.Marshal(pairs)
	if err != nil {
		return nil, err
	}

	return json.Marshal(selectionJSON{Items: items, Files: files})
}

// UnmarshalJSON accepts files either as [[itemId, [fileIds]], ...] pairs or as an
// object keyed by item id.
func (s *Selection) UnmarshalJSON(data []byte) error {
	var raw selectionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Items = raw.Items
	s.Files = nil

	if len(raw.Files) == 0 || string(raw.Files) == "null" {
		return nil
	}

	var pairs [][]json.RawMessage
	if err := json.Unmarshal(raw.Files, &pairs); err == nil {
		for i, pair := range pairs {
			if len(pair) != 2 {
				return fmt.Errorf("files[%d]: expected [itemId, fileIds] pair", i)
			}
			var entry FileSelection
			if err := json.Unmarshal(pair[0], &entry.ItemID); err != nil {
				return fmt.Errorf("files[%d]: invalid item id: %w", i, err)
			}
			if err := json.Unmarshal(pair[1], &entry.FileIDs); err != nil {
				return fmt.Errorf("files[%d]: invalid file ids: %w", i, err)
			}
			s.Files = append(s.Files, entry)
		}
		return nil
	}

	var byKey map[string][]int64
	if err := json.Unmarshal(raw.Files, &byKey); err != nil {
		return fmt.Errorf("files: expected pair list or object: %w", err)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return fmt.Errorf("files: invalid item id %q", k)
		}
		s.Files = append(s.Files, FileSelection{ItemID: id, FileIDs: byKey[k]})
	}

	return nil
}
