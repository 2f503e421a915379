// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import "fmt"

// TaskKind distinguishes a whole-item task from a single-file task.
type TaskKind string

const (
	TaskItem TaskKind = "item"
	TaskFile TaskKind = "file"
)

// Task is one unit of work derived from a selection snapshot.
type Task struct {
	Kind   TaskKind  `json:"kind"`
	Asset  AssetKind `json:"assetType"`
	ItemID int64     `json:"itemId"`
	FileID int64     `json:"fileId,omitempty"`
	Name   string    `json:"name"`
}

// FileIDPtr returns the file id for file tasks and nil for item tasks.
func (t Task) FileIDPtr() *int64 {
	switch t.Kind {
	case TaskFile:
		id := t.FileID
		return &id
	default:
		return nil
	}
}

func (t Task) String() string {
	switch t.Kind {
	case TaskFile:
		return fmt.Sprintf("%s item %d file %d", t.Asset, t.ItemID, t.FileID)
	default:
		return fmt.Sprintf("%s item %d", t.Asset, t.ItemID)
	}
}

type CatalogFile struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

type CatalogItem struct {
	ID    int64         `json:"id"`
	Name  string        `json:"name"`
	Size  int64         `json:"size,omitempty"`
	Files []CatalogFile `json:"files,omitempty"`
}

// Catalog is the list of known items used to resolve display names.
type Catalog []CatalogItem

func (c Catalog) item(id int64) (CatalogItem, bool) {
	for _, it := range c {
		if it.ID == id {
			return it, true
		}
	}
	return CatalogItem{}, false
}

// ItemName returns the item's name or a synthetic "Item {id}" label.
func (c Catalog) ItemName(id int64) string {
	if it, ok := c.item(id); ok && it.Name != "" {
		return it.Name
	}
	return fmt.Sprintf("Item %d", id)
}

// FileName returns the file's short name (or name) or a synthetic "File {id}" label.
func (c Catalog) FileName(itemID, fileID int64) string {
	if it, ok := c.item(itemID); ok {
		for _, f := range it.Files {
			if f.ID != fileID {
				continue
			}
			if f.ShortName != "" {
				return f.ShortName
			}
			if f.Name != "" {
				return f.Name
			}
		}
	}
	return fmt.Sprintf("File %d", fileID)
}

// BuildTasks expands a selection into a flat task list: whole items first in
// selection order, then file picks grouped per item.
func BuildTasks(sel Selection, asset AssetKind, catalog Catalog) []Task {
	norm := sel.Normalize()
	tasks := make([]Task, 0, len(norm.Items)+norm.FileCount())

	for _, id := range norm.Items {
		tasks = append(tasks, Task{
			Kind:   TaskItem,
			Asset:  asset,
			ItemID: id,
			Name:   catalog.ItemName(id),
		})
	}

	for _, f := range norm.Files {
		for _, fileID := range f.FileIDs {
			tasks = append(tasks, Task{
				Kind:   TaskFile,
				Asset:  asset,
				ItemID: f.ItemID,
				FileID: fileID,
				Name:   catalog.FileName(f.ItemID, fileID),
			})
		}
	}

	return tasks
}

// Result is the payload of a successful task.
type Result struct {
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
	Name string `json:"name,omitempty"`
}

// Failure describes why a task did not succeed.
type Failure struct {
	Message string `json:"message"`
	Class   Class  `json:"classification"`
}

// Outcome is the settled state of one task.
type Outcome struct {
	Index    int      `json:"index"`
	Task     Task     `json:"task"`
	Success  bool     `json:"success"`
	Result   *Result  `json:"result,omitempty"`
	Error    *Failure `json:"error,omitempty"`
	Attempts int      `json:"attempts"`
}
