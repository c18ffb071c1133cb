package reconcile

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/rcliao/content-engine/internal/model"
	"github.com/rcliao/content-engine/internal/store"
)

// Reference types of edges imported from learning-model staging files.
const (
	RefLDTagging   = "ld-tagging"
	RefLDObjective = "ld-objective"
)

// SourceLDModel is the source type of learning-model edges.
const SourceLDModel = "ldmodel"

// applyLDModel imports one staging file. Each file is a full statement of
// its slice of the model and replaces what the previous import produced.
//
//	skills.tsv    skill id, title
//	los.tsv       objective id, title, skill ids...
//	problems.tsv  resource id, problem id, skill ids...
//
// Lines starting with # are comments.
func (e *Engine) applyLDModel(ctx context.Context, pkg *model.ContentPackage, p string, data []byte) (bool, error) {
	rows, err := readTSV(data)
	if err != nil {
		return false, fmt.Errorf("%s: %w", p, err)
	}
	var changed bool
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		switch path.Base(p) {
		case "skills.tsv":
			changed, err = importIndex(ctx, tx, pkg, model.IndexSkill, rows)
		case "los.tsv":
			if changed, err = importIndex(ctx, tx, pkg, model.IndexObjective, rows); err == nil {
				err = importObjectiveSkills(ctx, tx, pkg, rows)
			}
		case "problems.tsv":
			changed, err = importProblems(ctx, tx, pkg, rows)
		default:
			e.log.Debug().Str("path", p).Msg("unknown learning-model file")
		}
		return err
	})
	return changed, err
}

func readTSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = '\t'
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	rows := records[:0]
	for _, rec := range records {
		var row []string
		for _, f := range rec {
			row = append(row, strings.TrimSpace(f))
		}
		if len(row) == 0 || row[0] == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// importIndex upserts index entries for rows of (domain id, title, ...).
// Ids already defined by a resource keep their resource binding.
func importIndex(ctx context.Context, tx *store.Tx, pkg *model.ContentPackage, kind string, rows [][]string) (bool, error) {
	existing, err := tx.ListIndex(ctx, pkg.GUID, kind)
	if err != nil {
		return false, err
	}
	owned := make(map[string]bool, len(existing))
	for _, e := range existing {
		if e.ResourceGUID != "" {
			owned[e.DomainID] = true
		}
	}

	var keys []string
	for _, row := range rows {
		id := row[0]
		if owned[id] {
			continue
		}
		title := ""
		if len(row) > 1 {
			title = row[1]
		}
		body, _ := json.Marshal(map[string]string{"title": title})
		if err := tx.UpsertIndexEntry(ctx, &model.IndexEntry{
			PackageGUID: pkg.GUID,
			Kind:        kind,
			DomainID:    id,
			Body:        string(body),
		}); err != nil {
			return false, err
		}
		keys = append(keys, pkg.Key(id))
	}
	if _, err := tx.ResetDestinations(ctx, pkg.GUID, keys, model.EdgeDestinationMissing); err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// importObjectiveSkills links each objective of los.tsv to its skills.
func importObjectiveSkills(ctx context.Context, tx *store.Tx, pkg *model.ContentPackage, rows [][]string) error {
	if _, err := tx.DeleteEdgesByReferenceType(ctx, pkg.GUID, RefLDObjective); err != nil {
		return err
	}
	var edges []model.Edge
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		for _, skill := range row[2:] {
			if skill == "" {
				continue
			}
			edges = append(edges, model.Edge{
				PackageGUID:   pkg.GUID,
				SourceID:      pkg.Key(row[0]),
				DestinationID: pkg.Key(skill),
				SourceType:    SourceLDModel,
				Relationship:  "supports",
				ReferenceType: RefLDObjective,
			})
		}
	}
	return tx.InsertEdges(ctx, edges)
}

// importProblems tags problems of a resource with skills. Edges start at
// the problem id so they survive edits of the resource body.
func importProblems(ctx context.Context, tx *store.Tx, pkg *model.ContentPackage, rows [][]string) (bool, error) {
	removed, err := tx.DeleteEdgesByReferenceType(ctx, pkg.GUID, RefLDTagging)
	if err != nil {
		return false, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row[0])
	}
	guids, err := tx.ActiveResourceGUIDs(ctx, pkg.GUID, ids)
	if err != nil {
		return false, err
	}

	var edges []model.Edge
	for _, row := range rows {
		if len(row) < 3 || row[1] == "" {
			continue
		}
		for _, skill := range row[2:] {
			if skill == "" {
				continue
			}
			edges = append(edges, model.Edge{
				PackageGUID:   pkg.GUID,
				SourceID:      pkg.Key(row[1]),
				DestinationID: pkg.Key(skill),
				SourceType:    SourceLDModel,
				Relationship:  "exercises",
				Purpose:       row[0],
				ReferenceType: RefLDTagging,
				Metadata:      model.EdgeMetadata{SourceGUID: guids[row[0]]},
			})
		}
	}
	if err := tx.InsertEdges(ctx, edges); err != nil {
		return false, err
	}
	return removed > 0 || len(edges) > 0, nil
}
