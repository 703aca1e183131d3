package services

import (
	"log"
	"sort"

	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/pkg/identifier"
)

// ChangeDetector diffs a form's stored field list against a proposed one and
// emits an ordered plan of primitive operations. Ordering is fixed to keep
// each step's preconditions satisfied by the previous steps:
// renames first, then type changes, then adds, then drops.
type ChangeDetector struct{}

// NewChangeDetector creates a new ChangeDetector
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// ResolveColumnName returns the field's column name, deriving it from the
// title and field identity when the descriptor does not carry one yet
func ResolveColumnName(f migration.FieldDescriptor) string {
	if f.ColumnName != "" {
		return f.ColumnName
	}
	return identifier.NormalizeField(f.Title, f.ID)
}

// PlanChanges computes the operation plan that transforms the stored field
// list into the proposed one. Fields are matched by stable identity; a field
// whose identity survives but whose derived column name changed is a rename,
// never a drop plus add.
func (d *ChangeDetector) PlanChanges(form *migration.Form, newFields []migration.FieldDescriptor) []migration.Operation {
	oldByID := make(map[string]migration.FieldDescriptor, len(form.Fields))
	for _, f := range form.Fields {
		oldByID[f.ID] = f
	}
	newByID := make(map[string]bool, len(newFields))
	for _, f := range newFields {
		newByID[f.ID] = true
	}

	var renames, modifies, adds, drops []migration.Operation

	sorted := make([]migration.FieldDescriptor, len(newFields))
	copy(sorted, newFields)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DisplayOrder < sorted[j].DisplayOrder
	})

	for _, nf := range sorted {
		newCol := ResolveColumnName(nf)
		of, existed := oldByID[nf.ID]
		if !existed {
			adds = append(adds, migration.Operation{
				Type:       migration.AddColumn,
				FieldID:    nf.ID,
				TableName:  form.TableName,
				ColumnName: newCol,
				NewType:    nf.Type,
			})
			continue
		}

		oldCol := ResolveColumnName(of)
		if newCol != oldCol {
			renames = append(renames, migration.Operation{
				Type:          migration.RenameColumn,
				FieldID:       nf.ID,
				TableName:     form.TableName,
				ColumnName:    oldCol,
				NewColumnName: newCol,
			})
		}
		if nf.Type != of.Type {
			// The modify targets the post-rename name; renames run first
			modifies = append(modifies, migration.Operation{
				Type:       migration.ModifyColumn,
				FieldID:    nf.ID,
				TableName:  form.TableName,
				ColumnName: newCol,
				OldType:    of.Type,
				NewType:    nf.Type,
				Backup:     true,
			})
		}
	}

	removed := make([]migration.FieldDescriptor, 0)
	for _, of := range form.Fields {
		if !newByID[of.ID] {
			removed = append(removed, of)
		}
	}
	sort.SliceStable(removed, func(i, j int) bool {
		return removed[i].DisplayOrder < removed[j].DisplayOrder
	})
	for _, of := range removed {
		drops = append(drops, migration.Operation{
			Type:       migration.DropColumn,
			FieldID:    of.ID,
			TableName:  form.TableName,
			ColumnName: ResolveColumnName(of),
			OldType:    of.Type,
			Backup:     true,
		})
	}

	plan := make([]migration.Operation, 0, len(renames)+len(modifies)+len(adds)+len(drops))
	plan = append(plan, renames...)
	plan = append(plan, modifies...)
	plan = append(plan, adds...)
	plan = append(plan, drops...)

	if len(plan) > 0 {
		log.Printf("📐 Change plan for form %s: %d rename, %d modify, %d add, %d drop",
			form.ID, len(renames), len(modifies), len(adds), len(drops))
	}
	return plan
}
